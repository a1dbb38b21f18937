// Command gen-token mints HS256 bearer tokens for local auth mode.
package main

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/bytedance/sonic"
	"github.com/golang-jwt/jwt/v4"
	log "github.com/sirupsen/logrus"
)

func main() {
	var (
		count    = flag.Int("count", 1, "number of tokens to generate")
		prefix   = flag.String("prefix", "local-user", "prefix for generated user IDs when count > 1")
		start    = flag.Int("start", 1, "starting index for generated user IDs when count > 1")
		audience = flag.String("aud", os.Getenv("LOCAL_AUTH_AUDIENCE"), "audience claim")
		issuer   = flag.String("iss", os.Getenv("LOCAL_AUTH_ISSUER"), "issuer claim")
		ttl      = flag.Duration("ttl", time.Hour, "token lifetime")
		output   = flag.String("output", "", "file to write generated tokens as a JSON array")
	)
	flag.Parse()

	secret := os.Getenv("LOCAL_AUTH_SHARED_SECRET")
	if secret == "" {
		log.Fatal("LOCAL_AUTH_SHARED_SECRET must be set")
	}
	if *count < 1 || *start < 1 {
		log.Fatal("count and start must be at least 1")
	}
	args := flag.Args()
	if len(args) > 0 && *count > 1 {
		log.Fatal("explicit user ID cannot be provided when generating multiple tokens")
	}

	now := time.Now()
	tokens := make([]string, *count)
	for i := range tokens {
		userID := *prefix
		switch {
		case len(args) > 0:
			userID = args[0]
		case *count > 1:
			userID = fmt.Sprintf("%s-%d", *prefix, *start+i)
		}
		claims := jwt.RegisteredClaims{
			Subject:   userID,
			Issuer:    *issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(*ttl)),
		}
		if *audience != "" {
			claims.Audience = jwt.ClaimStrings{*audience}
		}
		tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
		if err != nil {
			log.Fatalf("sign token: %v", err)
		}
		tokens[i] = tok
	}

	if *output != "" {
		if err := writeTokens(*output, tokens); err != nil {
			log.Fatalf("write tokens: %v", err)
		}
	}
	fmt.Print(tokens[0])
}

func writeTokens(path string, tokens []string) error {
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	data, err := sonic.Marshal(tokens)
	if err != nil {
		return err
	}
	return os.WriteFile(path, append(data, '\n'), 0o600)
}
