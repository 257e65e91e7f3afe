// Command sitegrid runs the site model daemon and offline tools over its
// store: TAG file decoding, batch ingestion and local summaries.
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
