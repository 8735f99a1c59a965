// Command typ2anki compiles flashcards embedded in typst documents and
// keeps an Anki collection synchronized with them.
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
