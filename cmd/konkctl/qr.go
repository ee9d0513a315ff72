package main

import (
	"strings"

	qrcode "github.com/skip2/go-qrcode"
)

// verificationURI is what a peer scans to check our key out of band.
func verificationURI(jid, fingerprint string) string {
	return "xmpp:" + jid + "?fingerprint=" + fingerprint
}

// groupFingerprint splits a hex fingerprint into blocks of four for reading aloud.
func groupFingerprint(fp string) string {
	var blocks []string
	for len(fp) > 4 {
		blocks = append(blocks, fp[:4])
		fp = fp[4:]
	}
	if fp != "" {
		blocks = append(blocks, fp)
	}
	return strings.Join(blocks, " ")
}

// renderQR converts a string to a compact QR code using Unicode
// half-block characters. Two bitmap rows become one terminal line.
func renderQR(content string) (string, error) {
	qr, err := qrcode.New(content, qrcode.Low)
	if err != nil {
		return "", err
	}
	bitmap := qr.Bitmap()

	var sb strings.Builder
	for y := 0; y < len(bitmap); y += 2 {
		sb.WriteString("  ")
		for x := range bitmap[y] {
			top := bitmap[y][x]
			bot := y+1 < len(bitmap) && bitmap[y+1][x]
			switch {
			case top && bot:
				sb.WriteRune('█')
			case top:
				sb.WriteRune('▀')
			case bot:
				sb.WriteRune('▄')
			default:
				sb.WriteRune(' ')
			}
		}
		sb.WriteRune('\n')
	}
	return sb.String(), nil
}
