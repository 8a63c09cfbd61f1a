package graph

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
)

// userResponse mirrors the Graph API /me JSON response.
type userResponse struct {
	ID          string `json:"id"`
	DisplayName string `json:"displayName"`
	Mail        string `json:"mail"`
	// UPN is a fallback when mail is empty (common on Personal accounts
	// where the mail field is often blank).
	UPN string `json:"userPrincipalName"`
}

func (u *userResponse) toUser() User {
	email := u.Mail
	if email == "" {
		email = u.UPN
	}

	return User{
		ID:          u.ID,
		DisplayName: u.DisplayName,
		Email:       email,
	}
}

// driveResponse mirrors the Graph API drive JSON response.
type driveResponse struct {
	ID        string      `json:"id"`
	Name      string      `json:"name"`
	DriveType string      `json:"driveType"`
	Owner     *ownerFacet `json:"owner"`
	Quota     *quotaFacet `json:"quota"`
}

type ownerFacet struct {
	User struct {
		DisplayName string `json:"displayName"`
	} `json:"user"`
}

type quotaFacet struct {
	Used  int64 `json:"used"`
	Total int64 `json:"total"`
}

// toDrive normalizes a Graph API drive response into our Drive type.
// Nil-safe for optional owner and quota facets.
func (d *driveResponse) toDrive() Drive {
	drive := Drive{
		ID:        d.ID,
		Name:      d.Name,
		DriveType: d.DriveType,
	}

	if d.Owner != nil {
		drive.OwnerName = d.Owner.User.DisplayName
	}

	if d.Quota != nil {
		drive.QuotaUsed = d.Quota.Used
		drive.QuotaTotal = d.Quota.Total
	}

	return drive
}

// Me retrieves the signed-in user's profile. Used after login to identify
// the account a credential file belongs to.
func (c *Client) Me(ctx context.Context) (*User, error) {
	resp, err := c.Do(ctx, http.MethodGet, "/me", nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var ur userResponse
	if decErr := json.NewDecoder(resp.Body).Decode(&ur); decErr != nil {
		return nil, fmt.Errorf("graph: decoding user response: %w", decErr)
	}

	user := ur.toUser()

	return &user, nil
}

// DefaultDrive retrieves the signed-in user's default drive, including
// quota. Useful for a pre-upload free-space check.
func (c *Client) DefaultDrive(ctx context.Context) (*Drive, error) {
	resp, err := c.Do(ctx, http.MethodGet, "/me/drive", nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var dr driveResponse
	if decErr := json.NewDecoder(resp.Body).Decode(&dr); decErr != nil {
		return nil, fmt.Errorf("graph: decoding drive response: %w", decErr)
	}

	drive := dr.toDrive()

	return &drive, nil
}
