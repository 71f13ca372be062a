package matrix_test

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"stagematrix/internal/matrix"
	"stagematrix/internal/stage"
)

func TestRegisterMember(t *testing.T) {
	h := newHarness(t)

	root, err := h.engine.RegisterMember(h.ctx, matrix.RegisterInput{Email: "  Root.User@Example.com "})
	require.NoError(t, err)
	assert.Equal(t, "root.user@example.com", root.Email)
	assert.Equal(t, "root_user", root.Username)
	assert.Equal(t, stage.NoStage, root.Stage)
	assert.Len(t, root.ReferralCode, 8)
	assert.False(t, root.JoiningFeePaid)
	assert.Zero(t, h.store.Wallet(root.ID).BalanceMicros)

	child, err := h.engine.RegisterMember(h.ctx, matrix.RegisterInput{
		Email:          "child@example.com",
		Username:       "child_1",
		ReferredByCode: strings.ToLower(root.ReferralCode),
	})
	require.NoError(t, err)
	assert.Equal(t, root.ReferralCode, child.ReferredByCode)

	paid, err := h.engine.ConfirmPayment(h.ctx, child.ID)
	require.NoError(t, err)
	assert.True(t, paid.JoiningFeePaid)
}

func TestRegisterMemberRejects(t *testing.T) {
	h := newHarness(t)
	h.member("taken")

	cases := []struct {
		name string
		in   matrix.RegisterInput
		want error
	}{
		{"empty email", matrix.RegisterInput{}, matrix.ErrInvalidInput},
		{"bad email", matrix.RegisterInput{Email: "nope@"}, matrix.ErrInvalidInput},
		{"bad username", matrix.RegisterInput{Email: "a@example.com", Username: "a!"}, matrix.ErrInvalidInput},
		{"unknown code", matrix.RegisterInput{Email: "b@example.com", ReferredByCode: "ZZZZZZZZ"}, matrix.ErrReferralCodeUnknown},
		{"duplicate email", matrix.RegisterInput{Email: "taken@example.com", Username: "other"}, matrix.ErrUserExists},
		{"duplicate username", matrix.RegisterInput{Email: "other@example.com", Username: "taken"}, matrix.ErrUserExists},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := h.engine.RegisterMember(h.ctx, tc.in)
			require.ErrorIs(t, err, tc.want)
		})
	}

	_, err := h.engine.ConfirmPayment(h.ctx, "ghost")
	require.ErrorIs(t, err, matrix.ErrUserNotFound)
}

func TestRegisterMemberRegeneratesCollidingCode(t *testing.T) {
	h := newHarness(t)
	codes := []string{"AAAAAAAA", "AAAAAAAA", "AAAAAAAA", "BBBBBBBB"}
	calls := 0
	matrix.SetReferralCodes(h.engine, func() (string, error) {
		c := codes[calls]
		calls++
		return c, nil
	})

	first, err := h.engine.RegisterMember(h.ctx, matrix.RegisterInput{Email: "first@example.com"})
	require.NoError(t, err)
	assert.Equal(t, "AAAAAAAA", first.ReferralCode)

	second, err := h.engine.RegisterMember(h.ctx, matrix.RegisterInput{Email: "second@example.com"})
	require.NoError(t, err)
	assert.Equal(t, "BBBBBBBB", second.ReferralCode)
	assert.Equal(t, 4, calls)

	u, ok := h.store.User(second.ID)
	require.True(t, ok)
	assert.Equal(t, "BBBBBBBB", u.ReferralCode)
}

func TestRegisterMemberGivesUpOnPersistentCollision(t *testing.T) {
	h := newHarness(t)
	calls := 0
	matrix.SetReferralCodes(h.engine, func() (string, error) {
		calls++
		return "SAMECODE", nil
	})

	_, err := h.engine.RegisterMember(h.ctx, matrix.RegisterInput{Email: "first@example.com"})
	require.NoError(t, err)
	calls = 0

	_, err = h.engine.RegisterMember(h.ctx, matrix.RegisterInput{Email: "second@example.com"})
	require.ErrorIs(t, err, matrix.ErrReferralCodeTaken)
	assert.Equal(t, 5, calls)
}
