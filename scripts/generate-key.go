// Package main is a development utility for seeding a local Conpanion database. It
// generates a random password for a confirmed dev account together with its bcrypt
// hash and a ready-to-run SQL INSERT, plus a service key for the delivery functions.
// Do not use generated credentials in production; real accounts go through
// registration or OIDC.
package main

import (
	"fmt"
	"log"

	"github.com/google/uuid"

	"github.com/conpanion/conpanion/internal/auth"
)

func main() {
	password, err := auth.GenerateToken()
	if err != nil {
		log.Fatal(err)
	}
	password = password[:20]

	hash, err := auth.HashPassword(password)
	if err != nil {
		log.Fatal(err)
	}

	serviceKey, err := auth.GenerateToken()
	if err != nil {
		log.Fatal(err)
	}

	fmt.Println("==========================================================")
	fmt.Println("Dev Account")
	fmt.Println("==========================================================")
	fmt.Printf("\nEmail:    admin@dev.local\nPassword: %s\n", password)
	fmt.Println("\n==========================================================")
	fmt.Println("SQL Insert:")
	fmt.Println("==========================================================")
	fmt.Printf(`
INSERT INTO users (id, email, name, password_hash, email_confirmed_at)
VALUES ('%s', 'admin@dev.local', 'Dev Admin', '%s', NOW())
ON CONFLICT ((LOWER(email))) DO UPDATE SET password_hash = EXCLUDED.password_hash;
`, uuid.NewString(), hash)
	fmt.Println("\n==========================================================")
	fmt.Println("Delivery service key (CPN_DELIVERY_SERVICE_KEY):")
	fmt.Printf("%s\n", serviceKey)
	fmt.Println("==========================================================")
}
