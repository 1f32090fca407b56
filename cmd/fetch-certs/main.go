// fetch-certs downloads the Cloudflare Access signing keys of a team and
// prints what the service would trust and for how long.
//
// Usage:
//
//	go run ./cmd/fetch-certs -team-domain=example.cloudflareaccess.com
//	go run ./cmd/fetch-certs -certs-url=https://example.cloudflareaccess.com/cdn-cgi/access/certs
package main

import (
	"context"
	"flag"
	"fmt"
	"log"

	"github.com/m-lab/go/flagx"
	"github.com/m-lab/go/rtx"

	"github.com/m-lab/access-images/internal/auth"
)

var (
	teamDomain = flag.String("team-domain", "", "Cloudflare Access team domain")
	certsURL   = flag.String("certs-url", "", "Access certs URL (derived from -team-domain when empty)")
	defaultTTL = flag.Duration("key-cache-lifetime", auth.DefaultKeyLifetime, "Lifetime used when the response has no max-age")
)

func main() {
	flag.Parse()
	rtx.Must(flagx.ArgsFromEnv(flag.CommandLine), "Could not parse env args")

	url := *certsURL
	if url == "" {
		if *teamDomain == "" {
			log.Fatal("Error: -team-domain or -certs-url is required")
		}
		url = auth.CertsURL(*teamDomain)
	}

	log.Printf("Fetching %s...", url)
	keys, ttl, err := auth.NewFetcher(nil, *defaultTTL).Fetch(context.Background(), url)
	rtx.Must(err, "Failed to fetch Access certs")

	fmt.Println()
	fmt.Println("=== Access signing keys ===")
	for _, key := range keys {
		fmt.Printf("Key ID: %-66s Algorithm: %s\n", key.KeyID, key.Algorithm)
	}
	fmt.Println()
	fmt.Printf("Cache lifetime: %s\n", ttl)
}
