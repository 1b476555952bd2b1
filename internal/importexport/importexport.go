// Package importexport implements component L: whole-profile JSON
// export/import. The heavy lifting — gathering and writing every
// per-user row, remapping ids across entities — lives in
// internal/store; this package owns the portable document shape
// (SchemaVersion, encoding) and the fail-closed check on the way in.
package importexport

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/zli117/Orbit-sub000/internal/apperr"
	"github.com/zli117/Orbit-sub000/internal/store"
)

// CurrentSchemaVersion is the version stamped on every export this
// build produces. Import refuses to import a document whose
// version doesn't match exactly: there is no migration path between
// versions yet, so a mismatch is treated as incompatible rather than
// guessed at.
const CurrentSchemaVersion = 1

// Document is the file format written by Export and read by Import.
type Document struct {
	SchemaVersion int           `json:"schemaVersion"`
	Profile       store.Profile `json:"profile"`
}

// Exporter/Importer are satisfied by *store.Store.
type exporter interface {
	ExportProfile(ctx context.Context, userID string) (store.Profile, error)
}

type importer interface {
	ImportProfile(ctx context.Context, p store.Profile) (string, error)
}

// Export writes userID's whole profile as a single JSON document to w.
func Export(ctx context.Context, st exporter, userID string, w io.Writer) error {
	const op = "importexport.Export"
	profile, err := st.ExportProfile(ctx, userID)
	if err != nil {
		return err
	}
	doc := Document{SchemaVersion: CurrentSchemaVersion, Profile: profile}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(doc); err != nil {
		return apperr.New(op, apperr.KindInternal, err)
	}
	return nil
}

// Import reads a JSON document from r and writes it into the store
// under a freshly created user, returning that user's id. The schema
// version is checked before anything is decoded further, and the
// document is decoded in full before any store call is made, so a
// malformed or incompatible document never touches the database.
func Import(ctx context.Context, st importer, r io.Reader) (userID string, err error) {
	const op = "importexport.Import"

	raw, err := io.ReadAll(r)
	if err != nil {
		return "", apperr.New(op, apperr.KindInternal, err)
	}

	var versionProbe struct {
		SchemaVersion int `json:"schemaVersion"`
	}
	if err := json.Unmarshal(raw, &versionProbe); err != nil {
		return "", apperr.New(op, apperr.KindValidation, err)
	}
	if versionProbe.SchemaVersion != CurrentSchemaVersion {
		return "", apperr.New(op, apperr.KindValidation, fmt.Errorf(
			"import document schema version %d does not match supported version %d",
			versionProbe.SchemaVersion, CurrentSchemaVersion))
	}

	var doc Document
	if err := json.Unmarshal(raw, &doc); err != nil {
		return "", apperr.New(op, apperr.KindValidation, err)
	}

	return st.ImportProfile(ctx, doc.Profile)
}
