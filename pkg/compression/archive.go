package compression

import (
	"io"
	"os"
	"sync"

	"github.com/klauspost/compress/gzip"
)

// archiveWriterPool mirrors HTTPCompressor's pooled-writer pattern
// (compressGzip) but for streaming a whole file rather than an in-memory
// buffer, since an archived error payload can be far larger than anything
// that belongs in a byte slice.
var archiveWriterPool = sync.Pool{
	New: func() interface{} {
		w, _ := gzip.NewWriterLevel(io.Discard, gzip.BestSpeed)
		return w
	},
}

// ArchiveFile gzips srcPath into dstPath and removes srcPath once the
// archive has been fully written and closed. Used by internal/sweeper to
// shrink oversized error payloads instead of copying them verbatim into the
// error folder.
func ArchiveFile(srcPath, dstPath string) error {
	src, err := os.Open(srcPath)
	if err != nil {
		return err
	}
	defer src.Close()

	dst, err := os.Create(dstPath)
	if err != nil {
		return err
	}

	writer := archiveWriterPool.Get().(*gzip.Writer)
	defer archiveWriterPool.Put(writer)
	writer.Reset(dst)

	if _, err := io.Copy(writer, src); err != nil {
		writer.Close()
		dst.Close()
		return err
	}
	if err := writer.Close(); err != nil {
		dst.Close()
		return err
	}
	if err := dst.Close(); err != nil {
		return err
	}

	return os.Remove(srcPath)
}
