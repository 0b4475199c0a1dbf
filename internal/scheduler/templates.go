package scheduler

// Template is a ready-made task definition. Commands name command templates
// from the catalog.
type Template struct {
	ID              string   `json:"id"`
	Name            string   `json:"name"`
	Commands        []string `json:"commands"`
	IntervalMinutes int      `json:"interval_minutes"`
	Description     string   `json:"description"`
}

var templates = []Template{
	{
		ID:              "dailyHealthCheck",
		Name:            "Daily Health Check",
		Commands:        []string{"systemInfo", "diskSpace", "memoryUsage"},
		IntervalMinutes: 24 * 60,
		Description:     "Daily system health check",
	},
	{
		ID:              "hourlyNetworkCheck",
		Name:            "Hourly Network Check",
		Commands:        []string{"ipConfig", "activeConnections"},
		IntervalMinutes: 60,
		Description:     "Hourly network status check",
	},
	{
		ID:              "securityAudit",
		Name:            "Security Audit",
		Commands:        []string{"firewallStatus", "antivirusStatus", "windowsUpdates"},
		IntervalMinutes: 12 * 60,
		Description:     "Twice-daily security audit",
	},
	{
		ID:              "diskSpaceMonitor",
		Name:            "Disk Space Monitor",
		Commands:        []string{"diskSpace"},
		IntervalMinutes: 3 * 60,
		Description:     "Monitor disk space every 3 hours",
	},
}

// Templates returns a copy of the built-in task templates.
func Templates() []Template {
	out := make([]Template, len(templates))
	for i, t := range templates {
		t.Commands = append([]string(nil), t.Commands...)
		out[i] = t
	}
	return out
}
