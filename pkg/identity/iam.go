package identity

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/dukex/conveyor/pkg/models"
	"github.com/dukex/conveyor/pkg/remote"
)

const pageSize = 100

// userID accepts both numeric and string ids on the wire.
type userID string

func (id *userID) UnmarshalJSON(data []byte) error {
	var number json.Number
	if err := json.Unmarshal(data, &number); err == nil {
		*id = userID(number.String())

		return nil
	}

	var text string
	if err := json.Unmarshal(data, &text); err != nil {
		return fmt.Errorf("invalid user id %s: %w", strings.TrimSpace(string(data)), err)
	}

	*id = userID(text)

	return nil
}

// iamUser is the wire shape of a user in the identity service.
type iamUser struct {
	ID        userID   `json:"id"`
	LoginName string   `json:"loginName"`
	RealName  string   `json:"realName"`
	Email     string   `json:"email"`
	Enabled   bool     `json:"enabled"`
	Roles     []string `json:"roles"`
}

func (u iamUser) principal() models.Principal {
	return models.Principal{
		ID:        string(u.ID),
		LoginName: u.LoginName,
		RealName:  u.RealName,
		Email:     u.Email,
		Roles:     u.Roles,
		Enabled:   u.Enabled,
	}
}

type iamPage struct {
	Content    []iamUser `json:"content"`
	TotalPages int       `json:"totalPages"`
	Number     int       `json:"number"`
}

// IAMClient is the Directory backed by the identity service's HTTP API.
type IAMClient struct {
	client *remote.Client
	logger *slog.Logger
}

// NewIAMClient creates a client for the identity service at cfg.BaseURL.
func NewIAMClient(cfg remote.Config, logger *slog.Logger) *IAMClient {
	if cfg.Name == "" {
		cfg.Name = "iam"
	}

	return &IAMClient{
		client: remote.NewClient(cfg, logger),
		logger: logger.With("module", "iam_client"),
	}
}

// QueryUsersEligibleForProject pages through the project's users, keeping enabled ones.
func (c *IAMClient) QueryUsersEligibleForProject(ctx context.Context, projectID string) ([]models.Principal, error) {
	members := make([]models.Principal, 0)

	for page := 0; ; page++ {
		var result iamPage

		path := fmt.Sprintf("/v1/projects/%s/users?page=%d&size=%d", url.PathEscape(projectID), page, pageSize)
		if err := c.client.Do(ctx, http.MethodGet, path, nil, &result); err != nil {
			return nil, fmt.Errorf("failed to list users of project %s: %w", projectID, err)
		}

		for _, user := range result.Content {
			if user.Enabled {
				members = append(members, user.principal())
			}
		}

		if len(result.Content) == 0 || page+1 >= result.TotalPages {
			break
		}
	}

	c.logger.DebugContext(ctx, "Loaded project members", "project_id", projectID, "count", len(members))

	return members, nil
}

func (c *IAMClient) QueryUserByID(ctx context.Context, id string) (models.Principal, error) {
	var user iamUser

	err := c.client.Do(ctx, http.MethodGet, "/v1/users/"+url.PathEscape(id)+"/info", nil, &user)
	if err != nil {
		if remote.IsStatus(err, http.StatusNotFound) {
			return models.Principal{}, fmt.Errorf("%w: %s", ErrUserNotFound, id)
		}

		return models.Principal{}, fmt.Errorf("failed to query user %s: %w", id, err)
	}

	if user.ID == "" {
		user.ID = userID(id)
	}

	return user.principal(), nil
}
