package database

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func Test_ParseMembershipChange(t *testing.T) {
	tcs := []struct {
		name      string
		payload   string
		expected  MembershipChange
		expectErr bool
	}{
		{
			name:     "deactivation",
			payload:  "7:101:false",
			expected: MembershipChange{ResidenceId: 7, UserId: 101, Active: false},
		},
		{
			name:     "activation",
			payload:  "12:5:true",
			expected: MembershipChange{ResidenceId: 12, UserId: 5, Active: true},
		},
		{name: "missing field", payload: "7:101", expectErr: true},
		{name: "bad residence", payload: "x:101:false", expectErr: true},
		{name: "bad user", payload: "7:y:false", expectErr: true},
		{name: "bad flag", payload: "7:101:maybe", expectErr: true},
	}

	for _, tc := range tcs {
		t.Run(tc.name, func(t *testing.T) {
			change, err := ParseMembershipChange(tc.payload)
			if tc.expectErr {
				assert.Error(t, err)
				return
			}

			assert.NoError(t, err)
			assert.Equal(t, tc.expected, change)
		})
	}
}
