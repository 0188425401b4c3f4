package utils

import (
	"io"
	"net/http"
)

const copyBufLen = 32 * 1024

// FlushCopy copies transport-stream bytes from the encoder output to the
// HTTP response, flushing after every chunk so the client starts playback
// before the encoder finishes. Returns once the reader is drained, errors
// or the client goes away.
func FlushCopy(w http.ResponseWriter, r io.Reader) error {
	flusher, _ := w.(http.Flusher)
	buf := make([]byte, copyBufLen)

	for {
		n, err := r.Read(buf)
		if n > 0 {
			if _, werr := w.Write(buf[:n]); werr != nil {
				return werr
			}
			if flusher != nil {
				flusher.Flush()
			}
		}
		if err != nil {
			if err == io.EOF {
				return nil
			}
			return err
		}
	}
}
