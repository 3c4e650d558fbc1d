package collab

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/golang/glog"
)

// AccessUser identifies the requesting user. Name is set instead of
// UserName when access was denied.
type AccessUser struct {
	UserName string `json:"userName"`
	RealName string `json:"realName"`
	Name     string `json:"mName"`
}

// AccessGrant is the access control verdict for one connection attempt.
type AccessGrant struct {
	Access        bool       `json:"access"`
	Message       string     `json:"message"`
	User          AccessUser `json:"user"`
	PageTitle     string     `json:"pageTitle"`
	PageNamespace int        `json:"pageNamespace"`

	// WikiScriptPath is taken from the doc name, not the verdict body.
	WikiScriptPath string `json:"-"`
}

// AccessController decides whether a connection may join the pad named by
// the client's doc name.
type AccessController interface {
	Authorize(ctx context.Context, docName string) (*AccessGrant, error)
}

// splitDocName splits `scriptPath|accessToken|pageName`.
func splitDocName(docName string) (string, string, string, error) {
	parts := strings.SplitN(docName, "|", 3)
	if len(parts) != 3 {
		return "", "", "", fmt.Errorf("malformed doc name: %s", docName)
	}
	return parts[0], parts[1], parts[2], nil
}

// WikiAccessController validates the access token against the wiki's
// access control endpoint.
type WikiAccessController struct {
	baseURL    string
	httpClient *http.Client
}

func NewWikiAccessController(baseURL string) *WikiAccessController {
	return &WikiAccessController{
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

func (self *WikiAccessController) Authorize(ctx context.Context, docName string) (*AccessGrant, error) {
	scriptPath, accessToken, pageName, err := splitDocName(docName)
	if err != nil {
		return nil, err
	}

	// slashes in page names collide with the path grammar
	url := fmt.Sprintf("%s%s/rest.php/collabpads/acl/%s/%s",
		self.baseURL, scriptPath, strings.ReplaceAll(pageName, "/", "|"), accessToken)
	glog.Infof("Calling: %s", url)

	request, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	response, err := self.httpClient.Do(request)
	if err != nil {
		return nil, fmt.Errorf("error during request: %w", err)
	}
	defer response.Body.Close()

	body, err := io.ReadAll(response.Body)
	if err != nil {
		return nil, err
	}
	glog.V(1).Infof("Status: %d", response.StatusCode)
	glog.V(2).Infof("Result: %s", body)

	if response.StatusCode != http.StatusOK {
		glog.Warningf("Bad response status: %d", response.StatusCode)
		return &AccessGrant{Access: false}, nil
	}

	grant := &AccessGrant{}
	if err := json.Unmarshal(body, grant); err != nil {
		glog.Warningf("Could not deserialize verdict: %v", err)
		return &AccessGrant{Access: false}, nil
	}
	grant.WikiScriptPath = scriptPath

	userName := grant.User.UserName
	if !grant.Access {
		userName = grant.User.Name
	}
	glog.Infof("Request complete. %s for user %s", grant.Message, userName)
	return grant, nil
}

type accessClaims struct {
	UserName      string `json:"userName"`
	RealName      string `json:"realName"`
	PageTitle     string `json:"pageTitle"`
	PageNamespace int    `json:"pageNamespace"`
	jwt.RegisteredClaims
}

// TokenAccessController verifies self-contained signed access tokens
// locally, with no callback to the wiki.
type TokenAccessController struct {
	secret []byte
}

func NewTokenAccessController(secret string) *TokenAccessController {
	return &TokenAccessController{
		secret: []byte(secret),
	}
}

func (self *TokenAccessController) Authorize(ctx context.Context, docName string) (*AccessGrant, error) {
	scriptPath, accessToken, pageName, err := splitDocName(docName)
	if err != nil {
		return nil, err
	}

	claims := &accessClaims{}
	token, err := jwt.ParseWithClaims(
		accessToken,
		claims,
		func(token *jwt.Token) (any, error) {
			if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
			}
			return self.secret, nil
		},
	)
	if err != nil || !token.Valid {
		glog.Warningf("Invalid access token for %s: %v", pageName, err)
		return &AccessGrant{Access: false, Message: "invalid token"}, nil
	}

	pageTitle := claims.PageTitle
	if pageTitle == "" {
		pageTitle = pageName
	}
	return &AccessGrant{
		Access:  true,
		Message: "access granted",
		User: AccessUser{
			UserName: claims.UserName,
			RealName: claims.RealName,
		},
		PageTitle:      pageTitle,
		PageNamespace:  claims.PageNamespace,
		WikiScriptPath: scriptPath,
	}, nil
}
