// ABOUTME: Static catalog of Windows command templates and quick actions
// ABOUTME: Templates may carry {param} placeholders filled in by Render

package catalog

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrTemplateNotFound is returned for an unknown template id.
	ErrTemplateNotFound = errors.New("template not found")

	// ErrMissingParam is returned when a placeholder has no value.
	ErrMissingParam = errors.New("missing template parameter")

	// ErrInvalidParam is returned when a parameter value could chain commands.
	ErrInvalidParam = errors.New("invalid template parameter")
)

// Template is a named command.
type Template struct {
	ID       string   `json:"id"`
	Name     string   `json:"name"`
	Command  string   `json:"command"`
	Category string   `json:"category"`
	Params   []string `json:"params,omitempty"`
}

// QuickAction is a named bundle of template ids.
type QuickAction struct {
	ID       string   `json:"id"`
	Name     string   `json:"name"`
	Commands []string `json:"commands"`
}

var templates = []Template{
	{ID: "systemInfo", Name: "System Information", Command: "systeminfo", Category: "System"},
	{ID: "osVersion", Name: "OS Version", Command: "ver", Category: "System"},
	{ID: "computerName", Name: "Computer Name", Command: "hostname", Category: "System"},
	{ID: "uptime", Name: "System Uptime", Command: `systeminfo | findstr /C:"System Boot Time"`, Category: "System"},

	{ID: "ipConfig", Name: "IP Configuration", Command: "ipconfig /all", Category: "Network"},
	{ID: "networkAdapters", Name: "Network Adapters", Command: "wmic nic get name,netconnectionid,speed", Category: "Network"},
	{ID: "activeConnections", Name: "Active Connections", Command: "netstat -ano", Category: "Network"},
	{ID: "pingTest", Name: "Ping Test", Command: "ping {host} -n 4", Category: "Network", Params: []string{"host"}},
	{ID: "dnsLookup", Name: "DNS Lookup", Command: "nslookup {domain}", Category: "Network", Params: []string{"domain"}},

	{ID: "diskSpace", Name: "Disk Space", Command: "wmic logicaldisk get name,size,freespace", Category: "Storage"},
	{ID: "diskHealth", Name: "Disk Health", Command: "wmic diskdrive get status,model,size", Category: "Storage"},

	{ID: "processList", Name: "Process List", Command: "tasklist", Category: "Processes"},
	{ID: "topProcesses", Name: "Top Processes", Command: `powershell "Get-Process | Sort-Object CPU -Descending | Select-Object -First 10 Name,CPU,WorkingSet"`, Category: "Processes"},
	{ID: "specificProcess", Name: "Find Process", Command: `tasklist /FI "IMAGENAME eq {name}"`, Category: "Processes", Params: []string{"name"}},
	{ID: "serviceList", Name: "Service List", Command: "sc query state= all", Category: "Services"},

	{ID: "windowsUpdates", Name: "Windows Updates", Command: `powershell "Get-HotFix | Sort-Object InstalledOn -Descending | Select-Object -First 10"`, Category: "Updates"},

	{ID: "firewallStatus", Name: "Firewall Status", Command: "netsh advfirewall show allprofiles", Category: "Security"},
	{ID: "antivirusStatus", Name: "Antivirus Status", Command: `powershell "Get-MpComputerStatus"`, Category: "Security"},

	{ID: "cpuUsage", Name: "CPU Usage", Command: "wmic cpu get loadpercentage", Category: "Performance"},
	{ID: "memoryUsage", Name: "Memory Usage", Command: `systeminfo | findstr /C:"Available Physical Memory" /C:"Total Physical Memory"`, Category: "Performance"},

	{ID: "installedPrograms", Name: "Installed Programs", Command: "wmic product get name,version", Category: "Software"},

	{ID: "listDirectory", Name: "List Directory", Command: `dir "{path}"`, Category: "Files", Params: []string{"path"}},
	{ID: "findFiles", Name: "Find Files", Command: "dir /s /b {pattern}", Category: "Files", Params: []string{"pattern"}},
	{ID: "fileInfo", Name: "File Owner Info", Command: `dir "{path}" /q`, Category: "Files", Params: []string{"path"}},

	{ID: "eventLogErrors", Name: "System Event Errors", Command: `powershell "Get-EventLog -LogName System -EntryType Error -Newest 10"`, Category: "Logs"},
	{ID: "applicationErrors", Name: "Application Errors", Command: `powershell "Get-EventLog -LogName Application -EntryType Error -Newest 10"`, Category: "Logs"},
}

var quickActions = []QuickAction{
	{ID: "health-check", Name: "System Health Check", Commands: []string{"systemInfo", "diskSpace", "memoryUsage", "cpuUsage"}},
	{ID: "network-diag", Name: "Network Diagnostics", Commands: []string{"ipConfig", "activeConnections", "networkAdapters"}},
	{ID: "security-audit", Name: "Security Audit", Commands: []string{"firewallStatus", "antivirusStatus", "windowsUpdates"}},
	{ID: "performance-check", Name: "Performance Check", Commands: []string{"topProcesses", "cpuUsage", "memoryUsage", "diskSpace"}},
}

var byID = func() map[string]int {
	m := make(map[string]int, len(templates))
	for i, t := range templates {
		m[t.ID] = i
	}
	return m
}()

// Templates returns every template in catalog order.
func Templates() []Template {
	out := make([]Template, len(templates))
	for i, t := range templates {
		t.Params = append([]string(nil), t.Params...)
		out[i] = t
	}
	return out
}

// QuickActions returns the built-in quick actions.
func QuickActions() []QuickAction {
	out := make([]QuickAction, len(quickActions))
	for i, q := range quickActions {
		q.Commands = append([]string(nil), q.Commands...)
		out[i] = q
	}
	return out
}

// Get returns one template.
func Get(id string) (Template, error) {
	i, ok := byID[id]
	if !ok {
		return Template{}, fmt.Errorf("%w: %s", ErrTemplateNotFound, id)
	}
	t := templates[i]
	t.Params = append([]string(nil), t.Params...)
	return t, nil
}

// Resolve maps a parameterless template id to its command. Anything else is
// returned unchanged with ok=false.
func Resolve(s string) (cmd string, ok bool) {
	i, found := byID[s]
	if !found || len(templates[i].Params) > 0 {
		return s, false
	}
	return templates[i].Command, true
}

// Render fills a template's placeholders. Extra params are ignored.
func Render(id string, params map[string]string) (string, error) {
	t, err := Get(id)
	if err != nil {
		return "", err
	}

	cmd := t.Command
	for _, name := range t.Params {
		value := strings.TrimSpace(params[name])
		if value == "" {
			return "", fmt.Errorf("%w: %s", ErrMissingParam, name)
		}
		if strings.ContainsAny(value, "&|<>^;\"\r\n") {
			return "", fmt.Errorf("%w: %s", ErrInvalidParam, name)
		}
		cmd = strings.ReplaceAll(cmd, "{"+name+"}", value)
	}
	return cmd, nil
}
