package drive

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"google.golang.org/api/drive/v3"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
)

const folderMimeType = "application/vnd.google-apps.folder"

// ErrUnauthorized is returned when the remote store rejects the bearer
// token. The session manager owns recovery.
var ErrUnauthorized = errors.New("remote store rejected credentials")

// Store defines the interface for remote object store operations.
type Store interface {
	// FindFolder searches for a non-trashed folder by exact name,
	// optionally scoped to a parent. Returns "" when not found.
	FindFolder(ctx context.Context, name, parentID string) (string, error)

	// CreateFolder creates a folder and returns its id.
	CreateFolder(ctx context.Context, name, parentID string) (string, error)

	// UploadFile uploads file bytes with metadata into a folder and
	// returns the new file id.
	UploadFile(ctx context.Context, name, mimeType, parentID string, data []byte) (string, error)

	// CopyFile copies an existing file into another folder and returns
	// the copy's id.
	CopyFile(ctx context.Context, fileID, parentID string) (string, error)

	// DeleteFile removes a file.
	DeleteFile(ctx context.Context, fileID string) error

	// ShareAnyone grants anyone-with-the-link read access and returns
	// the shareable link.
	ShareAnyone(ctx context.Context, fileID string) (string, error)
}

// GoogleDrive implements the Store interface using the Drive v3 API.
type GoogleDrive struct {
	svc *drive.Service
}

// NewGoogleDrive creates a GoogleDrive store authenticated by the given
// client options (typically option.WithTokenSource with the session
// manager).
func NewGoogleDrive(ctx context.Context, opts ...option.ClientOption) (*GoogleDrive, error) {
	svc, err := drive.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("creating drive service: %w", err)
	}
	return &GoogleDrive{svc: svc}, nil
}

// wrapErr maps Drive API failures onto the local error taxonomy.
func wrapErr(op string, err error) error {
	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) && apiErr.Code == http.StatusUnauthorized {
		return fmt.Errorf("%s: %w", op, ErrUnauthorized)
	}
	return fmt.Errorf("%s: %w", op, err)
}

// escapeQuery escapes single quotes for a Drive query literal.
func escapeQuery(s string) string {
	return strings.ReplaceAll(s, "'", `\'`)
}

// FindFolder searches for a non-trashed folder by exact name.
func (g *GoogleDrive) FindFolder(ctx context.Context, name, parentID string) (string, error) {
	query := fmt.Sprintf("name = '%s' and mimeType = '%s' and trashed = false", escapeQuery(name), folderMimeType)
	if parentID != "" {
		query += fmt.Sprintf(" and '%s' in parents", escapeQuery(parentID))
	}

	list, err := g.svc.Files.List().Q(query).Fields("files(id, name)").Context(ctx).Do()
	if err != nil {
		return "", wrapErr("searching folder", err)
	}
	if len(list.Files) == 0 {
		return "", nil
	}
	return list.Files[0].Id, nil
}

// CreateFolder creates a folder, optionally under a parent.
func (g *GoogleDrive) CreateFolder(ctx context.Context, name, parentID string) (string, error) {
	meta := &drive.File{
		Name:     name,
		MimeType: folderMimeType,
	}
	if parentID != "" {
		meta.Parents = []string{parentID}
	}

	created, err := g.svc.Files.Create(meta).Fields("id").Context(ctx).Do()
	if err != nil {
		return "", wrapErr("creating folder", err)
	}
	return created.Id, nil
}

// UploadFile submits a multipart upload (metadata + binary) into a folder.
func (g *GoogleDrive) UploadFile(ctx context.Context, name, mimeType, parentID string, data []byte) (string, error) {
	meta := &drive.File{
		Name:    name,
		Parents: []string{parentID},
	}

	created, err := g.svc.Files.Create(meta).
		Media(bytes.NewReader(data), googleapi.ContentType(mimeType)).
		Fields("id").
		Context(ctx).
		Do()
	if err != nil {
		return "", wrapErr("uploading file", err)
	}
	return created.Id, nil
}

// CopyFile copies a file into another folder.
func (g *GoogleDrive) CopyFile(ctx context.Context, fileID, parentID string) (string, error) {
	copied, err := g.svc.Files.Copy(fileID, &drive.File{Parents: []string{parentID}}).
		Fields("id").
		Context(ctx).
		Do()
	if err != nil {
		return "", wrapErr("copying file", err)
	}
	return copied.Id, nil
}

// DeleteFile removes a file.
func (g *GoogleDrive) DeleteFile(ctx context.Context, fileID string) error {
	if err := g.svc.Files.Delete(fileID).Context(ctx).Do(); err != nil {
		return wrapErr("deleting file", err)
	}
	return nil
}

// ShareAnyone grants anyone-with-the-link read access.
func (g *GoogleDrive) ShareAnyone(ctx context.Context, fileID string) (string, error) {
	perm := &drive.Permission{
		Role: "reader",
		Type: "anyone",
	}
	if _, err := g.svc.Permissions.Create(fileID, perm).Context(ctx).Do(); err != nil {
		return "", wrapErr("granting permission", err)
	}
	return FolderLink(fileID), nil
}

// FolderLink returns the browser URL for a folder.
func FolderLink(folderID string) string {
	return "https://drive.google.com/drive/folders/" + folderID
}

// FileLink returns the browser URL for a file.
func FileLink(fileID string) string {
	return "https://drive.google.com/file/d/" + fileID + "/view"
}
