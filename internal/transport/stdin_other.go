//go:build !unix

package transport

import (
	"io"
	"os"
)

func stdin() io.ReadCloser { return os.Stdin }
