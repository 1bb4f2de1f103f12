package logging

import (
	"fmt"
	"io"

	"github.com/mdp/qrterminal/v3"
)

// PrintQRCode renders url as a scannable QR code on w.
func PrintQRCode(w io.Writer, url string) {
	fmt.Fprintln(w)
	qrterminal.GenerateHalfBlock(url, qrterminal.L, w)
	fmt.Fprintln(w)
}
