package scylla

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"blog-auth-service/internal/models"
)

func TestChangedLookups(t *testing.T) {
	st := buildStatements()
	current := &models.Account{Role: models.RolePublic, Email: "ada@x.com", UserName: "ada99"}

	t.Run("unchanged", func(t *testing.T) {
		next := *current
		next.Name = "Ada L"
		assert.Empty(t, changedLookups(st, current, &next))
	})

	t.Run("both changed", func(t *testing.T) {
		next := *current
		next.Email = "new@x.com"
		next.UserName = "ada100"
		rows := changedLookups(st, current, &next)
		require.Len(t, rows, 2)

		// Rolling back a failed update releases exactly the rows it claimed,
		// never the ones the account still owns.
		assert.Equal(t, "email", rows[0].field)
		assert.Equal(t, "new@x.com", rows[0].value)
		assert.Equal(t, st.ClaimEmail, rows[0].claim)
		assert.Equal(t, st.ReleaseEmail, rows[0].release)
		assert.Equal(t, "user_name", rows[1].field)
		assert.Equal(t, "ada100", rows[1].value)
		assert.Equal(t, st.ReleaseUserName, rows[1].release)
	})

	t.Run("user name only", func(t *testing.T) {
		next := *current
		next.UserName = "ada100"
		rows := changedLookups(st, current, &next)
		require.Len(t, rows, 1)
		assert.Equal(t, "user_name", rows[0].field)
	})
}

func TestRecordFailureIsConditional(t *testing.T) {
	st := buildStatements()
	assert.Contains(t, st.RecordFailure, "IF login_attempts = ? AND lock_until = ?")
	assert.Contains(t, st.ReleaseEmail, "IF account_id = ?")
	assert.Contains(t, st.ReleaseUserName, "IF account_id = ?")
}
