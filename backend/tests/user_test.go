package tests

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"testing"
	"time"

	"releasehub/backend/schema"
)

func TestInviteAndLogin(t *testing.T) {
	env := setupTestEnv(t)

	admin, err := env.adminClient()
	if err != nil {
		t.Fatal(err)
	}

	env.tokens.push("invite-abc")
	userId, err := admin.inviteUser("abc", "abc@mail.com")
	if err != nil {
		t.Fatal(err)
	}

	emails := env.mailer.sentTo("abc@mail.com")
	if len(emails) != 1 {
		t.Fatalf("expected 1 invitation email, got %d", len(emails))
	}
	if !strings.Contains(emails[0].Text, "set-password?token=invite-abc") {
		t.Fatalf("invitation email should contain the set-password link: %v", emails[0].Text)
	}

	client := env.newClient()

	valid, err := client.validateToken("invite-abc")
	if err != nil {
		t.Fatal(err)
	}
	if !valid {
		t.Fatal("fresh sign-up token should be valid")
	}

	err = client.login(loginInfo{Email: "abc@mail.com", Password: "some_password"})
	if !errors.Is(err, ErrUnauthorized) {
		t.Fatal("login before setting a password should fail")
	}

	if err := client.setPassword("invite-abc", "abc_password"); err != nil {
		t.Fatal(err)
	}

	if err := client.login(loginInfo{Email: "abc@mail.com", Password: "abc_password"}); err != nil {
		t.Fatal(err)
	}

	info, err := client.userInfo()
	if err != nil {
		t.Fatal(err)
	}
	if info.Username != "abc" || info.Email != "abc@mail.com" || info.Id.String() != userId || info.Admin || info.Invited {
		t.Fatalf("invalid user info %v", info)
	}
}

func TestInviteRequiresAdmin(t *testing.T) {
	env := setupTestEnv(t)

	admin, err := env.adminClient()
	if err != nil {
		t.Fatal(err)
	}
	user, err := env.newUser(&admin, "abc")
	if err != nil {
		t.Fatal(err)
	}

	_, err = user.inviteUser("xyz", "xyz@mail.com")
	if !errors.Is(err, ErrForbidden) {
		t.Fatalf("non admins cannot invite users: %v", err)
	}

	unauthed := env.newClient()
	_, err = unauthed.inviteUser("xyz", "xyz@mail.com")
	if !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("unauthenticated invite should fail: %v", err)
	}
}

func TestInviteDuplicateUsernameOrEmail(t *testing.T) {
	env := setupTestEnv(t)

	admin, err := env.adminClient()
	if err != nil {
		t.Fatal(err)
	}

	if _, err := admin.inviteUser("abc", "abc@mail.com"); err != nil {
		t.Fatal(err)
	}

	if _, err := admin.inviteUser("abc", "other@mail.com"); err == nil || !strings.Contains(err.Error(), "username is already in use") {
		t.Fatalf("duplicate username should be rejected: %v", err)
	}
	if _, err := admin.inviteUser("other", "abc@mail.com"); err == nil || !strings.Contains(err.Error(), "email is already in use") {
		t.Fatalf("duplicate email should be rejected: %v", err)
	}
}

func TestSignupTokenCollisionRetry(t *testing.T) {
	env := setupTestEnv(t)

	admin, err := env.adminClient()
	if err != nil {
		t.Fatal(err)
	}

	env.tokens.push("dup-token")
	if _, err := admin.inviteUser("first", "first@mail.com"); err != nil {
		t.Fatal(err)
	}

	// Four collisions with the stored token, then a fresh value on the
	// fifth and final attempt.
	env.tokens.push("dup-token", "dup-token", "dup-token", "dup-token", "fresh-token")
	if _, err := admin.inviteUser("second", "second@mail.com"); err != nil {
		t.Fatal(err)
	}

	c := env.newClient()
	if err := c.setPassword("fresh-token", "second_password"); err != nil {
		t.Fatal(err)
	}
}

func TestSignupTokenGenerationExhausted(t *testing.T) {
	env := setupTestEnv(t)

	admin, err := env.adminClient()
	if err != nil {
		t.Fatal(err)
	}

	env.tokens.push("dup-token")
	if _, err := admin.inviteUser("first", "first@mail.com"); err != nil {
		t.Fatal(err)
	}

	env.tokens.push("dup-token", "dup-token", "dup-token", "dup-token", "dup-token")
	_, err = admin.inviteUser("second", "second@mail.com")
	if err == nil || !strings.Contains(err.Error(), "could not generate a unique sign-up token") {
		t.Fatalf("exhausting token attempts should fail: %v", err)
	}

	var count int64
	if err := env.db.Model(&schema.User{}).Where("username = ?", "second").Count(&count).Error; err != nil {
		t.Fatal(err)
	}
	if count != 0 {
		t.Fatal("user should not be created when token generation fails")
	}
}

func TestValidateToken(t *testing.T) {
	env := setupTestEnv(t)

	admin, err := env.adminClient()
	if err != nil {
		t.Fatal(err)
	}

	client := env.newClient()

	valid, err := client.validateToken("never-issued")
	if err != nil {
		t.Fatal(err)
	}
	if valid {
		t.Fatal("unknown token should not be valid")
	}

	env.tokens.push("expiring-token")
	if _, err := admin.inviteUser("abc", "abc@mail.com"); err != nil {
		t.Fatal(err)
	}

	expired := time.Now().UTC().Add(-time.Hour)
	result := env.db.Model(&schema.User{}).Where("username = ?", "abc").Update("signup_token_expiry", expired)
	if result.Error != nil {
		t.Fatal(result.Error)
	}

	valid, err = client.validateToken("expiring-token")
	if err != nil {
		t.Fatal(err)
	}
	if valid {
		t.Fatal("expired token should not be valid")
	}
}

func TestSetPasswordSingleUse(t *testing.T) {
	env := setupTestEnv(t)

	admin, err := env.adminClient()
	if err != nil {
		t.Fatal(err)
	}

	env.tokens.push("one-shot")
	if _, err := admin.inviteUser("abc", "abc@mail.com"); err != nil {
		t.Fatal(err)
	}

	client := env.newClient()
	if err := client.setPassword("one-shot", "first_password"); err != nil {
		t.Fatal(err)
	}

	err = client.setPassword("one-shot", "second_password")
	if err == nil || !strings.Contains(err.Error(), "invalid or expired") {
		t.Fatalf("sign-up token must be single use: %v", err)
	}

	// The first password stays in effect.
	if err := client.login(loginInfo{Email: "abc@mail.com", Password: "first_password"}); err != nil {
		t.Fatal(err)
	}
}

func TestChangePassword(t *testing.T) {
	env := setupTestEnv(t)

	admin, err := env.adminClient()
	if err != nil {
		t.Fatal(err)
	}
	user, err := env.newUser(&admin, "abc")
	if err != nil {
		t.Fatal(err)
	}

	err = user.changePassword(user.userId, "wrong_password", "new_password")
	if err == nil || !strings.Contains(err.Error(), "old password does not match") {
		t.Fatalf("change with wrong old password should fail: %v", err)
	}

	if err := user.changePassword(user.userId, "abc_password", "new_password"); err != nil {
		t.Fatal(err)
	}

	fresh := env.newClient()
	if err := fresh.login(loginInfo{Email: "abc@mail.com", Password: "new_password"}); err != nil {
		t.Fatal(err)
	}

	// Users cannot change other users' passwords, admins can.
	other, err := env.newUser(&admin, "xyz")
	if err != nil {
		t.Fatal(err)
	}
	err = other.changePassword(user.userId, "new_password", "stolen")
	if !errors.Is(err, ErrForbidden) {
		t.Fatalf("expected forbidden error: %v", err)
	}
}

func TestPromoteAndDemoteAdmin(t *testing.T) {
	env := setupTestEnv(t)

	admin, err := env.adminClient()
	if err != nil {
		t.Fatal(err)
	}
	user, err := env.newUser(&admin, "abc")
	if err != nil {
		t.Fatal(err)
	}

	err = admin.demoteAdmin(admin.userId)
	if err == nil || !strings.Contains(err.Error(), "no admins left") {
		t.Fatalf("demoting the last admin should fail: %v", err)
	}

	if err := admin.promoteAdmin(user.userId); err != nil {
		t.Fatal(err)
	}

	info, err := user.userInfo()
	if err != nil {
		t.Fatal(err)
	}
	if !info.Admin {
		t.Fatal("user should be an admin after promotion")
	}

	if err := admin.demoteAdmin(admin.userId); err != nil {
		t.Fatal(err)
	}

	err = user.demoteAdmin(user.userId)
	if err == nil || !strings.Contains(err.Error(), "no admins left") {
		t.Fatalf("demoting the last remaining admin should fail: %v", err)
	}
}

func TestDeleteUserReassignsReleases(t *testing.T) {
	env := setupTestEnv(t)

	admin, err := env.adminClient()
	if err != nil {
		t.Fatal(err)
	}
	user, err := env.newUser(&admin, "abc")
	if err != nil {
		t.Fatal(err)
	}

	res, err := user.createRelease(releaseBody("My Single", "LBL1", "My Label"))
	if err != nil {
		t.Fatal(err)
	}

	if err := admin.deleteUser(user.userId); err != nil {
		t.Fatal(err)
	}

	release, err := admin.getRelease(res.ReleaseId)
	if err != nil {
		t.Fatal(err)
	}
	if release.UserId.String() != admin.userId {
		t.Fatalf("release should be reassigned to the admin, got owner %v", release.UserId)
	}

	users, err := admin.listUsers()
	if err != nil {
		t.Fatal(err)
	}
	for _, u := range users {
		if u.Username == "abc" {
			t.Fatal("deleted user should not be listed")
		}
	}
}

func TestReinviteAfterEmailFailure(t *testing.T) {
	env := setupTestEnv(t)

	admin, err := env.adminClient()
	if err != nil {
		t.Fatal(err)
	}

	env.mailer.setFail(true)
	env.tokens.push("lost-token")
	_, err = admin.inviteUser("abc", "abc@mail.com")
	if err == nil || !strings.Contains(err.Error(), "invitation email failed to send") {
		t.Fatalf("invite with broken mail should report the failure: %v", err)
	}

	// The account exists despite the delivery failure.
	users, err := admin.listUsers()
	if err != nil {
		t.Fatal(err)
	}
	var userId string
	for _, u := range users {
		if u.Username == "abc" {
			if !u.Invited {
				t.Fatal("user should still be in the invited state")
			}
			userId = u.Id.String()
		}
	}
	if userId == "" {
		t.Fatal("user row should be kept when the invitation email fails")
	}

	env.mailer.setFail(false)
	env.tokens.push("second-token")
	if err := admin.reinvite(userId); err != nil {
		t.Fatal(err)
	}

	client := env.newClient()
	if err := client.setPassword("second-token", "abc_password"); err != nil {
		t.Fatal(err)
	}

	// The token from the failed invite was replaced.
	valid, err := client.validateToken("lost-token")
	if err != nil {
		t.Fatal(err)
	}
	if valid {
		t.Fatal("replaced token should not be valid")
	}
}

func TestSignupTokenSweep(t *testing.T) {
	env := setupTestEnv(t)

	admin, err := env.adminClient()
	if err != nil {
		t.Fatal(err)
	}

	env.tokens.push("stale-token")
	if _, err := admin.inviteUser("stale", "stale@mail.com"); err != nil {
		t.Fatal(err)
	}
	env.tokens.push("live-token")
	if _, err := admin.inviteUser("live", "live@mail.com"); err != nil {
		t.Fatal(err)
	}

	expired := time.Now().UTC().Add(-time.Hour)
	result := env.db.Model(&schema.User{}).Where("username = ?", "stale").Update("signup_token_expiry", expired)
	if result.Error != nil {
		t.Fatal(result.Error)
	}

	sweeper := env.newClient()

	code, _ := sweeper.Post("/user/token-sweep").Header("X-Service-Key", "wrong-key").Status()
	if code != http.StatusUnauthorized {
		t.Fatalf("sweep with wrong service key should return 401, got %d", code)
	}

	if err := sweeper.sweepSignupTokens(); err != nil {
		t.Fatal(err)
	}

	var stale schema.User
	if err := env.db.First(&stale, "username = ?", "stale").Error; err != nil {
		t.Fatal(err)
	}
	if stale.SignupTokenHash != nil || stale.SignupTokenExpiry != nil {
		t.Fatal("expired sign-up token should be cleared by the sweep")
	}

	var live schema.User
	if err := env.db.First(&live, "username = ?", "live").Error; err != nil {
		t.Fatal(err)
	}
	if live.SignupTokenHash == nil {
		t.Fatal("unexpired sign-up token should survive the sweep")
	}

	notices := env.mailer.sentTo("stale@mail.com")
	var expiryNotices int
	for _, e := range notices {
		if strings.Contains(e.Subject, "expired") {
			expiryNotices++
		}
	}
	if expiryNotices != 1 {
		t.Fatalf("expected 1 expiry notice, got %d", expiryNotices)
	}
	for _, e := range env.mailer.sentTo("live@mail.com") {
		if strings.Contains(e.Subject, "expired") {
			t.Fatal("unexpired invite should not trigger an expiry notice")
		}
	}
}

func TestListUsersRequiresAdmin(t *testing.T) {
	env := setupTestEnv(t)

	admin, err := env.adminClient()
	if err != nil {
		t.Fatal(err)
	}
	user, err := env.newUser(&admin, "abc")
	if err != nil {
		t.Fatal(err)
	}

	if _, err := user.listUsers(); !errors.Is(err, ErrForbidden) {
		t.Fatalf("non admins cannot list users: %v", err)
	}

	users, err := admin.listUsers()
	if err != nil {
		t.Fatal(err)
	}
	if len(users) != 2 {
		t.Fatalf("expected 2 users, got %d", len(users))
	}
}

func releaseUserFixture(env *testEnv, admin *client, t *testing.T, n int) []client {
	clients := make([]client, 0, n)
	for i := 0; i < n; i++ {
		c, err := env.newUser(admin, fmt.Sprintf("user%d", i))
		if err != nil {
			t.Fatal(err)
		}
		clients = append(clients, c)
	}
	return clients
}
