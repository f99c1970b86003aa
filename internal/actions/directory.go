// internal/actions/directory.go
package actions

import (
	"context"
	"strconv"

	"github.com/flowflex/stagecondition/internal/types"
)

const teamPageSize = 500

// maxTeamPages stops paging against a directory that never returns a short
// page.
const maxTeamPages = 100

// teamMembers collects every membership row of teamIDs, filtered by userType
// when non-zero.
func teamMembers(ctx context.Context, dir Directory, tenant types.TenantID, teamIDs []string, userType int) ([]TeamMember, error) {
	var all []TeamMember
	for page := 1; page <= maxTeamPages; page++ {
		rows, err := dir.TeamMembers(ctx, tenant, TeamQuery{
			TeamIDs:  teamIDs,
			UserType: userType,
			Page:     page,
			PageSize: teamPageSize,
		})
		if err != nil {
			return nil, err
		}
		all = append(all, rows...)
		if len(rows) < teamPageSize {
			break
		}
	}
	return all, nil
}

// numericIDs returns the ids that parse as int64 and whether all of them did.
func numericIDs(ids []string) ([]int64, bool) {
	out := make([]int64, 0, len(ids))
	all := true
	for _, id := range ids {
		n, err := strconv.ParseInt(id, 10, 64)
		if err != nil {
			all = false
			continue
		}
		out = append(out, n)
	}
	return out, all
}

func userDisplayName(u User) string {
	switch {
	case u.Name != "":
		return u.Name
	case u.Email != "":
		return u.Email
	default:
		return strconv.FormatInt(u.ID, 10)
	}
}
