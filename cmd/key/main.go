package main

import (
	"flag"
	"fmt"
	"os"
	"time"

	"fleet-track/internal/cli"
)

func main() {
	var (
		userID   = flag.String("user-id", "", "UUID of the user (subject)")
		tenantID = flag.String("tenant", "", "Tenant id used for the broadcast group")
		role     = flag.String("role", "DISPATCHER", "User role: ADMIN | DISPATCHER | DRIVER")
		secret   = flag.String("secret", "", "JWT HMAC secret (HS256)")
		ttl      = flag.Duration("ttl", 2*time.Hour, "Token lifetime")
	)
	flag.Parse()

	if *userID == "" || *tenantID == "" || *secret == "" {
		fmt.Fprintln(os.Stderr, "usage: key --user-id=<uuid> --tenant=<id> --role=DISPATCHER --secret='<secret>' [--ttl=2h]")
		os.Exit(2)
	}

	token, claims, err := cli.GenerateSessionToken(*secret, *ttl, *userID, *tenantID, *role)
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}

	fmt.Println("TOKEN:")
	fmt.Println(token)
	fmt.Println("\nCLAIMS:")
	fmt.Printf("  sub:    %s\n", claims.Subject)
	fmt.Printf("  tenant: %s\n", claims.TenantID)
	fmt.Printf("  role:   %s\n", claims.Role)
	fmt.Printf("  iat:    %s\n", claims.IssuedAt.Time.UTC().Format(time.RFC3339))
	fmt.Printf("  exp:    %s\n", claims.ExpiresAt.Time.UTC().Format(time.RFC3339))
}
