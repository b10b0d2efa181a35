package dispatch

import (
	"bytes"
	"fmt"
)

func jsonErrorBody(msg string) *bytes.Reader {
	return bytes.NewReader([]byte(fmt.Sprintf(`{"error":%q}`, msg)))
}

func newBytesReader(b []byte) *bytes.Reader {
	return bytes.NewReader(b)
}
