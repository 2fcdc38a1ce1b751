// keygen prints fresh secrets for a new deployment: the session encryption key and, with -confidential,
// an ES256 client signing key. Output is .env formatted.
package main

import (
	"crypto/rand"
	"encoding/base64"
	"flag"
	"fmt"
	"os"
	"strconv"

	"wavefed/backend/internal/config"
	"wavefed/backend/internal/oauth/dpop"
)

func main() {
	confidential := flag.Bool("confidential", false, "also generate OAUTH_CLIENT_PRIVATE_KEY for private_key_jwt client auth")
	flag.Parse()

	key := make([]byte, config.EncryptionKeySize)
	if _, err := rand.Read(key); err != nil {
		fmt.Fprintln(os.Stderr, "keygen:", err)
		os.Exit(1)
	}
	fmt.Printf("SESSION_ENCRYPTION_KEY=%s\n", base64.StdEncoding.EncodeToString(key))

	if !*confidential {
		return
	}
	_, pemText, err := dpop.GenerateKey()
	if err != nil {
		fmt.Fprintln(os.Stderr, "keygen:", err)
		os.Exit(1)
	}
	fmt.Printf("OAUTH_CLIENT_PRIVATE_KEY=%s\n", strconv.Quote(pemText))
}
