// Command hybridsan is the offline front-end of the detector: it reads a
// program event log (a file argument or stdin), runs the analyzer over
// it, and exits with error_exitcode if any race was reported.
package main

import (
	"fmt"
	"os"
)

func main() {
	code, err := run(os.Args[1:])
	if err != nil {
		fmt.Fprintf(os.Stderr, "hybridsan: %v\n", err)
		if code == 0 {
			code = 1
		}
	}
	os.Exit(code)
}
