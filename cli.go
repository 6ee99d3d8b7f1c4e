package main

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"os"

	"audioviz/vjserver/internal/auth"
)

// RunCLI handles subcommand execution. Returns true if a subcommand was
// handled.
func RunCLI(args []string) bool {
	if len(args) == 0 {
		return false
	}
	switch args[0] {
	case "version":
		fmt.Printf("vjserver %s\n", Version)
		return true
	case "auth":
		return cliAuth(args[1:])
	default:
		return false
	}
}

func cliAuth(args []string) bool {
	if len(args) == 0 {
		fmt.Fprintln(os.Stderr, "Usage: vjserver auth [hash|verify|keygen|init|rehash] ...")
		os.Exit(1)
	}

	switch args[0] {
	case "hash":
		if len(args) < 2 {
			fmt.Fprintln(os.Stderr, "Usage: vjserver auth hash <password>")
			os.Exit(1)
		}
		h, err := auth.HashPassword(args[1])
		if err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			os.Exit(1)
		}
		fmt.Println(h)

	case "verify":
		if len(args) < 3 {
			fmt.Fprintln(os.Stderr, "Usage: vjserver auth verify <password> <hash>")
			os.Exit(1)
		}
		if auth.VerifyPassword(args[1], args[2]) {
			fmt.Println("Password matches!")
		} else {
			fmt.Println("Password does NOT match.")
			os.Exit(1)
		}

	case "keygen":
		key := make([]byte, 32)
		if _, err := rand.Read(key); err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			os.Exit(1)
		}
		fmt.Println(base64.RawURLEncoding.EncodeToString(key))

	case "init":
		if len(args) < 2 {
			fmt.Fprintln(os.Stderr, "Usage: vjserver auth init <path>")
			os.Exit(1)
		}
		path := args[1]
		key := make([]byte, 12)
		if _, err := rand.Read(key); err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			os.Exit(1)
		}
		password := base64.RawURLEncoding.EncodeToString(key)
		hashed, err := auth.HashPassword(password)
		if err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			os.Exit(1)
		}
		store := &auth.Store{
			DJs: map[string]auth.Record{
				"dj_1": {Name: "DJ One", KeyHash: hashed, Priority: 10},
			},
			VJOperators: map[string]auth.Record{},
		}
		if err := store.Save(path); err != nil {
			fmt.Fprintf(os.Stderr, "error writing %s: %v\n", path, err)
			os.Exit(1)
		}
		fmt.Printf("Auth config written to: %s\n", path)
		fmt.Printf("Generated key for dj_1: %s\n", password)

	case "rehash":
		if len(args) < 2 {
			fmt.Fprintln(os.Stderr, "Usage: vjserver auth rehash <path>")
			os.Exit(1)
		}
		path := args[1]
		store, err := auth.Load(path)
		if err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			os.Exit(1)
		}
		n, err := store.Rehash()
		if err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			os.Exit(1)
		}
		if n == 0 {
			fmt.Println("No plaintext entries found.")
			return true
		}
		if err := store.Save(path); err != nil {
			fmt.Fprintf(os.Stderr, "error writing %s: %v\n", path, err)
			os.Exit(1)
		}
		fmt.Printf("Rehashed %d entries in %s\n", n, path)

	default:
		fmt.Fprintln(os.Stderr, "Usage: vjserver auth [hash|verify|keygen|init|rehash] ...")
		os.Exit(1)
	}
	return true
}
