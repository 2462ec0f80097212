package main

import (
	"os"
	"path/filepath"

	"github.com/rs/xid"

	"github.com/unidata-ldm/fmtprecv/internal/logger"
	"github.com/unidata-ldm/fmtprecv/pkg/fmtp"
)

// fileNotifier writes each delivered product to OutputDir as a standalone
// file, named by prodindex plus an xid suffix so that a wrapped-around
// prodindex reusing an old value never collides with a file still on
// disk from a previous cycle.
type fileNotifier struct {
	outputDir string
	log       logger.Logger
}

func newFileNotifier(outputDir string, log logger.Logger) *fileNotifier {
	return &fileNotifier{outputDir: outputDir, log: log}
}

func (n *fileNotifier) BOPAccepted(prodIndex fmtp.ProdIndex, prodSize uint32, metadata []byte) ([]byte, bool) {
	n.log.Debugw("BOP accepted", "prodindex", prodIndex, "prod_size", prodSize, "metadata_len", len(metadata))
	return make([]byte, prodSize), true
}

func (n *fileNotifier) ProductDelivered(prodIndex fmtp.ProdIndex, buf []byte) {
	name := filepath.Join(n.outputDir, prodIndex.String()+"-"+xid.New().String()+".dat")
	if err := os.WriteFile(name, buf, 0o644); err != nil {
		n.log.Errorw("failed to write delivered product", err, "prodindex", prodIndex, "path", name)
		return
	}
	n.log.Infow("product delivered", "prodindex", prodIndex, "bytes", len(buf), "path", name)
}

func (n *fileNotifier) ProductMissed(prodIndex fmtp.ProdIndex) {
	n.log.Warnw("product missed", "prodindex", prodIndex)
}
