package tests

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"

	"github.com/go-chi/chi/v5"

	"releasehub/backend/services"
)

type httpTestRequest struct {
	api http.Handler

	method   string
	endpoint string
	headers  map[string]string
	json     interface{}
	body     io.Reader
	login    *loginInfo
}

func newHttpTestRequest(api http.Handler, method, endpoint string) *httpTestRequest {
	return &httpTestRequest{
		api:      api,
		method:   method,
		endpoint: endpoint,
	}
}

func (r *httpTestRequest) Header(key, value string) *httpTestRequest {
	if r.headers == nil {
		r.headers = make(map[string]string)
	}
	r.headers[key] = value
	return r
}

func (r *httpTestRequest) Login(email, password string) *httpTestRequest {
	r.login = &loginInfo{Email: email, Password: password}
	return r
}

func (r *httpTestRequest) Auth(token string) *httpTestRequest {
	return r.Header("Authorization", fmt.Sprintf("Bearer %v", token))
}

func (r *httpTestRequest) Json(data interface{}) *httpTestRequest {
	r.json = data
	return r
}

func (r *httpTestRequest) exec() (*httptest.ResponseRecorder, error) {
	if r.json != nil {
		body := new(bytes.Buffer)
		err := json.NewEncoder(body).Encode(r.json)
		if err != nil {
			return nil, fmt.Errorf("error encoding json body for endpoint %v: %w", r.endpoint, err)
		}
		r.body = body
	}

	req := httptest.NewRequest(r.method, r.endpoint, r.body)
	for k, v := range r.headers {
		req.Header.Add(k, v)
	}

	if r.login != nil {
		req.SetBasicAuth(r.login.Email, r.login.Password)
	}

	w := httptest.NewRecorder()
	r.api.ServeHTTP(w, req)
	return w, nil
}

// response body will be parsed into result, passing nil indicates that no result is returned.
func (r *httpTestRequest) Do(result interface{}) error {
	w, err := r.exec()
	if err != nil {
		return err
	}

	res := w.Result()
	defer res.Body.Close()

	if res.StatusCode != http.StatusOK {
		if res.StatusCode == http.StatusUnauthorized {
			return ErrUnauthorized
		}
		if res.StatusCode == http.StatusForbidden {
			return ErrForbidden
		}
		return fmt.Errorf("%v request to endpoint %v returned status %d, content '%v'", r.method, r.endpoint, res.StatusCode, w.Body.String())
	}

	if result != nil {
		err := json.NewDecoder(res.Body).Decode(result)
		if err != nil {
			return fmt.Errorf("error parsing %v response from endpoint %v: %w", r.method, r.endpoint, err)
		}
	}

	return nil
}

// Status executes the request and returns the raw status and body, for
// tests asserting on specific error codes.
func (r *httpTestRequest) Status() (int, string) {
	w, err := r.exec()
	if err != nil {
		return 0, err.Error()
	}
	return w.Code, w.Body.String()
}

var (
	ErrUnauthorized = errors.New("unauthorized")
	ErrForbidden    = errors.New("forbidden")
)

type client struct {
	api        chi.Router
	authToken  string
	userId     string
	serviceKey string
}

func (c *client) Get(endpoint string) *httpTestRequest {
	r := newHttpTestRequest(c.api, "GET", endpoint)
	if c.authToken != "" {
		return r.Auth(c.authToken)
	}
	return r
}

func (c *client) Post(endpoint string) *httpTestRequest {
	r := newHttpTestRequest(c.api, "POST", endpoint)
	if c.authToken != "" {
		return r.Auth(c.authToken)
	}
	return r
}

func (c *client) Delete(endpoint string) *httpTestRequest {
	r := newHttpTestRequest(c.api, "DELETE", endpoint)
	if c.authToken != "" {
		return r.Auth(c.authToken)
	}
	return r
}

type loginInfo struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

func (c *client) login(login loginInfo) error {
	var res map[string]string
	err := c.Get("/user/login").Login(login.Email, login.Password).Do(&res)
	if err != nil {
		return err
	}

	c.authToken = res["access_token"]
	c.userId = res["user_id"]

	return nil
}

func (c *client) inviteUser(username, email string) (string, error) {
	body := map[string]string{"username": username, "email": email}

	var res map[string]string
	err := c.Post("/user/create").Json(body).Do(&res)
	return res["user_id"], err
}

func (c *client) reinvite(userId string) error {
	return c.Post(fmt.Sprintf("/user/%v/reinvite", userId)).Do(nil)
}

func (c *client) validateToken(token string) (bool, error) {
	var res map[string]bool
	err := c.Get(fmt.Sprintf("/user/validate-token?token=%v", token)).Do(&res)
	return res["valid"], err
}

func (c *client) setPassword(token, newPassword string) error {
	body := map[string]string{"token": token, "new_password": newPassword}
	return c.Post("/user/set-password").Json(body).Do(nil)
}

func (c *client) changePassword(userId, oldPassword, newPassword string) error {
	body := map[string]string{"old_password": oldPassword, "new_password": newPassword}
	return c.Post(fmt.Sprintf("/user/%v/password", userId)).Json(body).Do(nil)
}

func (c *client) deleteUser(userId string) error {
	return c.Delete(fmt.Sprintf("/user/%v", userId)).Do(nil)
}

func (c *client) promoteAdmin(userId string) error {
	return c.Post(fmt.Sprintf("/user/%v/admin", userId)).Do(nil)
}

func (c *client) demoteAdmin(userId string) error {
	return c.Delete(fmt.Sprintf("/user/%v/admin", userId)).Do(nil)
}

func (c *client) listUsers() ([]services.UserInfo, error) {
	var res []services.UserInfo
	err := c.Get("/user/list").Do(&res)
	return res, err
}

func (c *client) userInfo() (services.UserInfo, error) {
	var res services.UserInfo
	err := c.Get("/user/info").Do(&res)
	return res, err
}

func (c *client) sweepSignupTokens() error {
	return c.Post("/user/token-sweep").Header("X-Service-Key", c.serviceKey).Do(nil)
}

func (c *client) createApiToken(body map[string]interface{}) (string, error) {
	var res map[string]string
	err := c.Post("/api-token/create").Json(body).Do(&res)
	return res["token_id"], err
}

func (c *client) getApiToken(tokenId string) (services.ApiTokenInfo, error) {
	var res services.ApiTokenInfo
	err := c.Get(fmt.Sprintf("/api-token/%v", tokenId)).Do(&res)
	return res, err
}

func (c *client) updateApiToken(tokenId string, body map[string]interface{}) error {
	return c.Post(fmt.Sprintf("/api-token/%v/update", tokenId)).Json(body).Do(nil)
}

func (c *client) deleteApiToken(tokenId string) error {
	return c.Delete(fmt.Sprintf("/api-token/%v", tokenId)).Do(nil)
}

func (c *client) listApiTokens() ([]services.ApiTokenInfo, error) {
	var res []services.ApiTokenInfo
	err := c.Get("/api-token/list").Do(&res)
	return res, err
}

func (c *client) refreshApiToken(refreshToken string) (services.ApiTokenInfo, error) {
	body := map[string]string{"refresh_token": refreshToken}

	var res services.ApiTokenInfo
	err := c.Post("/api-token/refresh").Json(body).Do(&res)
	return res, err
}

func (c *client) sweepApiTokens() error {
	return c.Post("/api-token/sweep").Header("X-Service-Key", c.serviceKey).Do(nil)
}

type presignResult struct {
	Key    string            `json:"key"`
	Folder string            `json:"folder"`
	URL    string            `json:"url"`
	Fields map[string]string `json:"fields"`
}

func (c *client) presignUpload(fileName, fileType, folder string) (presignResult, error) {
	body := map[string]string{"file_name": fileName, "file_type": fileType, "folder": folder}

	var res presignResult
	err := c.Post("/upload/presign").Json(body).Do(&res)
	return res, err
}

func (c *client) clearObject(key string) (bool, error) {
	body := map[string]string{"key": key}

	var res map[string]interface{}
	err := c.Delete("/upload/object").Json(body).Do(&res)
	ok, _ := res["ok"].(bool)
	return ok, err
}

type createReleaseResult struct {
	ReleaseId   string `json:"release_id"`
	Distributor string `json:"distributor"`
}

func (c *client) createRelease(body map[string]interface{}) (createReleaseResult, error) {
	var res createReleaseResult
	err := c.Post("/release/create").Json(body).Do(&res)
	return res, err
}

func (c *client) listReleases() ([]services.ReleaseInfo, error) {
	var res []services.ReleaseInfo
	err := c.Get("/release/list").Do(&res)
	return res, err
}

func (c *client) getRelease(releaseId string) (services.ReleaseInfo, error) {
	var res services.ReleaseInfo
	err := c.Get(fmt.Sprintf("/release/%v", releaseId)).Do(&res)
	return res, err
}

func (c *client) updateRelease(releaseId string, body map[string]interface{}) error {
	return c.Post(fmt.Sprintf("/release/%v/update", releaseId)).Json(body).Do(nil)
}

func (c *client) deleteRelease(releaseId string) error {
	return c.Delete(fmt.Sprintf("/release/%v", releaseId)).Do(nil)
}
