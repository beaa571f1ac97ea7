package version

import (
	"fmt"
	"io"
	"os"
)

// FprintVersion outputs the version string to the writer, in the following format, followed by a newline:
//
//	<cmd> <project> <version>
//
// For example, a binary "database-guard" built from gitlab.com/gitlab-org/database-guard with version "v0.1.0" would
// print the following:
//
//	database-guard gitlab.com/gitlab-org/database-guard v0.1.0
func FprintVersion(w io.Writer) {
	_, _ = fmt.Fprintln(w, os.Args[0], Package, Version)
}

// PrintVersion outputs the version information, from Fprint, to stdout.
func PrintVersion() {
	FprintVersion(os.Stdout)
}
