package main

import (
	"encoding/base64"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"syscall"

	"golang.org/x/term"

	"github.com/swarmdrop/swarmdrop/internal/identity"
)

var (
	keystorePath string
	noPassphrase bool
	force        bool
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	command := os.Args[1]
	args := os.Args[2:]

	switch command {
	case "generate":
		generateCmd(args)
	case "show":
		showCmd(args)
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", command)
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println("swarmdrop-keygen - node identity management")
	fmt.Println()
	fmt.Println("Usage:")
	fmt.Println("  swarmdrop-keygen generate [flags]  - generate a new node identity")
	fmt.Println("  swarmdrop-keygen show [flags]      - display this node's peer id")
	fmt.Println()
	fmt.Println("Run 'swarmdrop-keygen <command> -h' for command-specific help")
}

func generateCmd(args []string) {
	fs := flag.NewFlagSet("generate", flag.ExitOnError)
	fs.StringVar(&keystorePath, "keystore", identity.DefaultKeystorePath(), "identity keystore path")
	fs.BoolVar(&noPassphrase, "no-passphrase", false, "store the key without passphrase encryption")
	fs.BoolVar(&force, "force", false, "overwrite an existing identity")
	fs.Parse(args)

	if !force {
		if _, err := os.Stat(keystorePath); err == nil {
			fmt.Println("An identity already exists at", keystorePath)
			fmt.Print("Overwrite it? [y/N]: ")
			var response string
			fmt.Scanln(&response)
			if response != "y" && response != "Y" {
				fmt.Println("Aborted.")
				return
			}
		}
	}

	if err := os.MkdirAll(filepath.Dir(keystorePath), 0o700); err != nil {
		fmt.Fprintf(os.Stderr, "Error creating keystore directory: %v\n", err)
		os.Exit(1)
	}

	passphrase := ""
	if !noPassphrase {
		passphrase = readAndConfirmPassphrase()
	}

	ks := identity.NewDiskKeystore(keystorePath, passphrase)
	id, err := ks.Create()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to generate identity: %v\n", err)
		os.Exit(1)
	}

	fmt.Println("Identity generated successfully!")
	fmt.Println()
	printIdentity(id)
	fmt.Println()
	fmt.Println("Stored at:")
	fmt.Printf("  %s\n", keystorePath)
	if passphrase == "" {
		fmt.Println()
		fmt.Println("WARNING: identity stored WITHOUT passphrase encryption")
	}
}

func readAndConfirmPassphrase() string {
	fmt.Print("Enter passphrase (leave empty for no encryption): ")
	passBytes, err := term.ReadPassword(int(syscall.Stdin))
	fmt.Println()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to read passphrase: %v\n", err)
		os.Exit(1)
	}
	passphrase := string(passBytes)
	if passphrase == "" {
		return ""
	}

	fmt.Print("Confirm passphrase: ")
	confirmBytes, err := term.ReadPassword(int(syscall.Stdin))
	fmt.Println()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to read passphrase: %v\n", err)
		os.Exit(1)
	}
	if passphrase != string(confirmBytes) {
		fmt.Fprintln(os.Stderr, "Passphrases do not match.")
		os.Exit(1)
	}
	return passphrase
}

func showCmd(args []string) {
	fs := flag.NewFlagSet("show", flag.ExitOnError)
	fs.StringVar(&keystorePath, "keystore", identity.DefaultKeystorePath(), "identity keystore path")
	fs.Parse(args)

	passphrase := os.Getenv("SWARMDROP_KEYSTORE_PASSPHRASE")
	ks := identity.NewDiskKeystore(keystorePath, passphrase)
	id, err := ks.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load identity: %v\n", err)
		fmt.Fprintln(os.Stderr, "Run 'swarmdrop-keygen generate' first to create one")
		os.Exit(1)
	}

	printIdentity(id)
}

func printIdentity(id *identity.Identity) {
	fmt.Println("Peer ID:")
	fmt.Printf("  %s\n", id.PeerID)
	fmt.Println()
	fmt.Println("Public Key (base64):")
	fmt.Printf("  %s\n", base64.StdEncoding.EncodeToString(id.PublicKey))
	fmt.Println()
	fmt.Println("Key Type: Ed25519")
}
