package cmd

import (
	"fmt"
	"io"
)

const banner = `
                 _   _                   
  ___ ___ _ __| |_| | _____  ___ _ __  
 / __/ _ \ '__| __| |/ / _ \/ _ \ '_ \ 
| (_|  __/ |  | |_|   <  __/  __/ |_) |
 \___\___|_|   \__|_|\_\___|\___| .__/ 
                                |_|    
`

func printBanner(w io.Writer) {
	fmt.Fprintf(w, "\x1b[34m%s\x1b[0m", banner)
	fmt.Fprintf(w, "\x1b[32m  Minimal X.509 Certificate Authority - Version %s\x1b[0m\n\n", Version)
}
