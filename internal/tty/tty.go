// Package tty generates the random token that names one server process's
// session. The token plays the role of a TTY name in who/finger/last
// output and disambiguates concurrent sessions of the same login.
package tty

import (
	"fmt"

	gonanoid "github.com/matoous/go-nanoid/v2"
)

// Generate returns an 8-character lowercase hex token.
func Generate() string {
	t, err := gonanoid.Generate("0123456789abcdef", 8)
	if err != nil {
		panic(fmt.Sprintf("generate tty token: %v", err))
	}
	return t
}
