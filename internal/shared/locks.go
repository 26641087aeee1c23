package shared

import "fmt"

// OrgStatusCacheKey builds the redis key caching an organization's status.
func OrgStatusCacheKey(orgID int64) string {
	return fmt.Sprintf("org:%d:status", orgID)
}
