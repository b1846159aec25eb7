package records

import (
	"context"
	"encoding/json"
	"fmt"

	"media-intake/internal/logging"
	"media-intake/internal/pipeline"
)

// Adder is the fluent builder for attaching a pipeline artifact to an
// owning record. Terminal call is ToCollection.
type Adder struct {
	store    *Store
	owner    string
	artifact *pipeline.Artifact

	filename string
	headers  map[string]string
	props    map[string]string
	single   bool
}

// AddMedia starts attaching artifact to the owner identified by owner.
func (s *Store) AddMedia(owner string, artifact *pipeline.Artifact) *Adder {
	return &Adder{
		store:    s,
		owner:    owner,
		artifact: artifact,
	}
}

// Filename overrides the stored file name. The default is the artifact's
// content-addressed name for the target collection.
func (a *Adder) Filename(name string) *Adder {
	a.filename = name
	return a
}

// Headers sets response headers to store alongside the record.
func (a *Adder) Headers(headers map[string]string) *Adder {
	a.headers = headers
	return a
}

// CustomProperties sets arbitrary metadata to store with the record.
func (a *Adder) CustomProperties(props map[string]string) *Adder {
	a.props = props
	return a
}

// SingleFile makes the collection hold at most one file for this owner;
// existing records are removed when the new one is attached.
func (a *Adder) SingleFile() *Adder {
	a.single = true
	return a
}

// ToCollection persists the record into the named collection and returns it.
func (a *Adder) ToCollection(ctx context.Context, collection string) (*Media, error) {
	opCtx, cancel := context.WithTimeout(ctx, defaultTimeout)
	defer cancel()

	filename := a.filename
	if filename == "" {
		filename = a.artifact.Filename(collection)
	}

	headersJSON, err := json.Marshal(orEmpty(a.headers))
	if err != nil {
		return nil, fmt.Errorf("marshal headers: %w", err)
	}
	propsJSON, err := json.Marshal(orEmpty(a.props))
	if err != nil {
		return nil, fmt.Errorf("marshal custom properties: %w", err)
	}

	tx, err := a.store.db.BeginTx(opCtx, nil)
	if err != nil {
		return nil, fmt.Errorf("attach media: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	if a.single {
		if _, err := tx.ExecContext(opCtx,
			`DELETE FROM media WHERE owner = ? AND collection = ?`, a.owner, collection); err != nil {
			return nil, fmt.Errorf("replace single-file collection: %w", err)
		}
	}

	res, err := tx.ExecContext(opCtx, `
		INSERT INTO media (owner, collection, file_name, mime, size, width, height, hash, headers, custom_properties)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.owner, collection, filename, a.artifact.Mime, a.artifact.Size,
		a.artifact.Width, a.artifact.Height, a.artifact.Hash,
		string(headersJSON), string(propsJSON))
	if err != nil {
		return nil, fmt.Errorf("attach media: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("attach media: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("attach media: %w", err)
	}

	logging.Debug("Attached media %d (%s) to %s/%s", id, filename, a.owner, collection)
	return a.store.FindMedia(ctx, id)
}

func orEmpty(m map[string]string) map[string]string {
	if m == nil {
		return map[string]string{}
	}
	return m
}
