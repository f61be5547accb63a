package persona

import (
	"strings"
	"time"
)

// PracticeInfo is the static tenant knowledge the agent can answer from
// without calling the scheduler.
type PracticeInfo struct {
	Name              string            `mapstructure:"name"`
	Phone             string            `mapstructure:"phone"`
	Address           string            `mapstructure:"address"`
	OperatingHours    map[string]string `mapstructure:"operating_hours"`
	Services          []string          `mapstructure:"services"`
	Insurance         string            `mapstructure:"insurance"`
	NoShowFee         string            `mapstructure:"no_show_fee"`
	AdminEmail        string            `mapstructure:"admin_email"`
	AdditionalDetails string            `mapstructure:"additional_details"`
}

// Bundle is the resolved persona for one call. It is immutable after Resolve;
// sessions never write back into it.
type Bundle struct {
	TenantID     string
	AgentName    string
	Instructions string
	Greeting     string
	Timezone     string
	EnabledTools []string
	Info         PracticeInfo
}

// ToolEnabled reports whether the tenant allows the named tool. An empty
// EnabledTools list means every registered tool is allowed.
func (b Bundle) ToolEnabled(name string) bool {
	if len(b.EnabledTools) == 0 {
		return true
	}
	for _, t := range b.EnabledTools {
		if t == name {
			return true
		}
	}
	return false
}

// Location resolves the tenant timezone, falling back to UTC when the zone is
// unknown so formatting never fails mid-call.
func (b Bundle) Location() *time.Location {
	if b.Timezone == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(b.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// substitutions expanded into instructions and greeting templates.
func (b Bundle) expand(text string, now time.Time) string {
	r := strings.NewReplacer(
		"{{agent_name}}", b.AgentName,
		"{{practice_name}}", b.Info.Name,
		"{{practice_phone}}", b.Info.Phone,
		"{{practice_address}}", b.Info.Address,
		"{{today}}", now.In(b.Location()).Format("Monday, January 2, 2006"),
	)
	return r.Replace(text)
}
