// Package bundle builds and parses portable persona archives. A bundle is a
// ZIP with a fixed layout:
//
//	persona-bundle/persona.json
//	persona-bundle/metadata.json
//	persona-bundle/integrity.sha256
//
// persona.json holds the canonical persona bytes, metadata.json describes
// the exporting agent, and integrity.sha256 carries the stored persona HMAC
// plus a SHA-256 digest over the other two entries for tamper evidence.
package bundle

import (
	"archive/zip"
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/agentvault/agentvault/internal/canonical"
)

// MaxBundleBytes bounds accepted archive size on import.
const MaxBundleBytes = 1 << 20

const (
	entryPersona   = "persona-bundle/persona.json"
	entryMetadata  = "persona-bundle/metadata.json"
	entryIntegrity = "persona-bundle/integrity.sha256"
)

// Metadata describes the exporting agent.
type Metadata struct {
	AgentID        string    `json:"agent_id"`
	PersonaVersion string    `json:"persona_version"`
	PersonaHash    string    `json:"persona_hash"`
	ExportedAt     time.Time `json:"exported_at"`
}

// Bundle is a parsed persona archive.
type Bundle struct {
	Persona  map[string]any
	Metadata Metadata
}

// Export serializes the persona into a signed archive.
func Export(persona map[string]any, agentID, hash, version string) ([]byte, error) {
	personaBytes, err := canonical.Marshal(persona)
	if err != nil {
		return nil, fmt.Errorf("canonicalize persona: %w", err)
	}

	meta := Metadata{
		AgentID:        agentID,
		PersonaVersion: version,
		PersonaHash:    hash,
		ExportedAt:     time.Now().UTC(),
	}
	metaBytes, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal metadata: %w", err)
	}

	integrity := integrityFile(hash, personaBytes, metaBytes)

	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for _, entry := range []struct {
		name string
		data []byte
	}{
		{entryPersona, personaBytes},
		{entryMetadata, metaBytes},
		{entryIntegrity, integrity},
	} {
		w, err := zw.Create(entry.name)
		if err != nil {
			return nil, fmt.Errorf("create %s: %w", entry.name, err)
		}
		if _, err := w.Write(entry.data); err != nil {
			return nil, fmt.Errorf("write %s: %w", entry.name, err)
		}
	}
	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("finalize archive: %w", err)
	}
	return buf.Bytes(), nil
}

// Import parses and verifies an archive produced by Export. The embedded
// digest must match the recomputed one; the persona HMAC is re-verified by
// the caller under the importing agent's own key.
func Import(data []byte) (*Bundle, error) {
	if len(data) > MaxBundleBytes {
		return nil, fmt.Errorf("bundle exceeds %d bytes", MaxBundleBytes)
	}

	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, fmt.Errorf("open archive: %w", err)
	}

	entries := make(map[string][]byte, 3)
	for _, f := range zr.File {
		switch f.Name {
		case entryPersona, entryMetadata, entryIntegrity:
		default:
			return nil, fmt.Errorf("unexpected archive entry %q", f.Name)
		}
		rc, err := f.Open()
		if err != nil {
			return nil, fmt.Errorf("open %s: %w", f.Name, err)
		}
		content, err := io.ReadAll(io.LimitReader(rc, MaxBundleBytes+1))
		rc.Close()
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", f.Name, err)
		}
		if len(content) > MaxBundleBytes {
			return nil, fmt.Errorf("entry %s exceeds %d bytes", f.Name, MaxBundleBytes)
		}
		entries[f.Name] = content
	}
	for _, name := range []string{entryPersona, entryMetadata, entryIntegrity} {
		if _, ok := entries[name]; !ok {
			return nil, fmt.Errorf("archive is missing %s", name)
		}
	}

	var meta Metadata
	if err := json.Unmarshal(entries[entryMetadata], &meta); err != nil {
		return nil, fmt.Errorf("parse metadata: %w", err)
	}

	var persona map[string]any
	if err := json.Unmarshal(entries[entryPersona], &persona); err != nil {
		return nil, fmt.Errorf("parse persona: %w", err)
	}

	wantIntegrity := integrityFile(meta.PersonaHash, entries[entryPersona], entries[entryMetadata])
	if !bytes.Equal(bytes.TrimSpace(entries[entryIntegrity]), bytes.TrimSpace(wantIntegrity)) {
		return nil, fmt.Errorf("bundle integrity check failed")
	}

	return &Bundle{Persona: persona, Metadata: meta}, nil
}

// integrityFile renders the integrity entry: the persona HMAC as stored, and
// a SHA-256 digest over the persona and metadata entries.
func integrityFile(personaHash string, personaBytes, metaBytes []byte) []byte {
	h := sha256.New()
	h.Write(personaBytes)
	h.Write(metaBytes)
	var b strings.Builder
	fmt.Fprintf(&b, "persona_hmac=%s\n", personaHash)
	fmt.Fprintf(&b, "bundle_sha256=%s\n", hex.EncodeToString(h.Sum(nil)))
	return []byte(b.String())
}
