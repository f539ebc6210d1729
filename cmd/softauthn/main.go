// softauthn runs a software CTAP2 authenticator over a length-framed
// stdio loop: each message is a big-endian uint32 length followed by one CTAP
// command (command byte + CBOR parameters); each response is framed the same
// way (status byte, then CBOR on success). User presence is granted
// automatically, which makes the binary handy as a test harness peer.
package main

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/go-ctap/softauthn/pkg/authenticator"
	"github.com/go-ctap/softauthn/pkg/credstore"

	"github.com/google/uuid"
)

func main() {
	lvl := new(slog.LevelVar)
	lvl.Set(slog.LevelDebug)
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: lvl,
	}))

	auth, err := authenticator.New(
		authenticator.WithLogger(logger),
		authenticator.WithAAGUID(uuid.MustParse("a11ca710-f5f5-4f11-8a5e-c07d5c5a4f11")),
		authenticator.WithAttestationType(authenticator.AttestationTypeSelf),
		authenticator.WithStore(credstore.NewMemoryStore(128, nil)),
	)
	if err != nil {
		logger.Error("cannot boot authenticator", "err", err)
		os.Exit(1)
	}

	if err := serve(auth, os.Stdin, os.Stdout); err != nil {
		logger.Error("serve failed", "err", err)
		os.Exit(1)
	}
}

func serve(auth *authenticator.Authenticator, r io.Reader, w io.Writer) error {
	for {
		var length uint32
		if err := binary.Read(r, binary.BigEndian, &length); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("cannot read frame length: %w", err)
		}

		msg := make([]byte, length)
		if _, err := io.ReadFull(r, msg); err != nil {
			return fmt.Errorf("cannot read frame: %w", err)
		}

		resp := auth.HandleMessage(msg)

		if err := binary.Write(w, binary.BigEndian, uint32(len(resp))); err != nil {
			return fmt.Errorf("cannot write frame length: %w", err)
		}
		if _, err := w.Write(resp); err != nil {
			return fmt.Errorf("cannot write frame: %w", err)
		}
	}
}
