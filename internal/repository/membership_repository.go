package repository

import (
	"context"
	"fmt"

	"github.com/go-kivik/kivik/v4"
)

// MembershipRepository answers whether a user belongs to a project. The
// workspace and project records are managed elsewhere; this side only reads.
type MembershipRepository interface {
	IsMember(ctx context.Context, workspaceID, projectID, userID string) (bool, error)
}

type CouchDBMembershipRepository struct {
	db *kivik.DB
}

type membershipDoc struct {
	ID          string `json:"_id"`
	Rev         string `json:"_rev,omitempty"`
	DocType     string `json:"doc_type"`
	WorkspaceID string `json:"workspace_id"`
	ProjectID   string `json:"project_id"`
	UserID      string `json:"user_id"`
	Role        string `json:"role"`
}

type workspaceDoc struct {
	ID      string `json:"_id"`
	Rev     string `json:"_rev,omitempty"`
	DocType string `json:"doc_type"`
	OwnerID string `json:"owner_id"`
	Name    string `json:"name"`
}

func NewMembershipRepository(client *kivik.Client, dbName string) *CouchDBMembershipRepository {
	return &CouchDBMembershipRepository{
		db: client.DB(dbName),
	}
}

func membershipID(workspaceID, projectID, userID string) string {
	return "membership:" + workspaceID + ":" + projectID + ":" + userID
}

// IsMember checks for an explicit membership document first; the owner of the
// workspace is a member of every project in it.
func (r *CouchDBMembershipRepository) IsMember(ctx context.Context, workspaceID, projectID, userID string) (bool, error) {
	var doc membershipDoc
	err := r.db.Get(ctx, membershipID(workspaceID, projectID, userID)).ScanDoc(&doc)
	if err == nil {
		return doc.UserID == userID, nil
	}
	if kivik.HTTPStatus(err) != 404 {
		return false, fmt.Errorf("failed to get membership: %w", err)
	}

	var ws workspaceDoc
	if err := r.db.Get(ctx, workspaceID).ScanDoc(&ws); err != nil {
		if kivik.HTTPStatus(err) == 404 {
			return false, nil
		}
		return false, fmt.Errorf("failed to get workspace: %w", err)
	}

	return ws.DocType == "workspace" && ws.OwnerID == userID, nil
}

// OpenMembership admits everyone. Used when no membership database is
// configured.
type OpenMembership struct{}

func (OpenMembership) IsMember(context.Context, string, string, string) (bool, error) {
	return true, nil
}
