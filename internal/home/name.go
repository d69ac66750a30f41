package home

import (
	"strings"
	"time"

	"github.com/edvin/vaultsync/internal/model"
)

// HostInfo is the subset of host metadata used for naming and status.
type HostInfo struct {
	Hostname          string `json:"hostname"`
	OperatingSystem   string `json:"operating_system"`
	SupervisorVersion string `json:"supervisor"`
}

// ResolveName expands a backup name template. Unknown placeholders are left
// in place so a typo is visible in the resulting name instead of silently
// vanishing.
func ResolveName(template string, backupType model.BackupType, when time.Time, host HostInfo) string {
	typeName := "Full"
	if backupType == model.BackupPartial {
		typeName = "Partial"
	}
	pairs := []string{
		"{type}", typeName,
		"{year}", when.Format("2006"),
		"{year_short}", when.Format("06"),
		"{weekday}", when.Format("Monday"),
		"{weekday_short}", when.Format("Mon"),
		"{month}", when.Format("01"),
		"{month_long}", when.Format("January"),
		"{month_short}", when.Format("Jan"),
		"{day}", when.Format("02"),
		"{hr24}", when.Format("15"),
		"{hr12}", when.Format("03"),
		"{min}", when.Format("04"),
		"{sec}", when.Format("05"),
		"{ampm}", when.Format("PM"),
		"{date}", when.Format("2006-01-02"),
		"{time}", when.Format("15:04:05"),
		"{datetime}", when.Format(time.RFC1123),
		"{isotime}", when.Format(time.RFC3339),
		"{hostname}", orUnknown(host.Hostname),
		"{version_super}", orUnknown(host.SupervisorVersion),
	}
	return strings.NewReplacer(pairs...).Replace(template)
}

func orUnknown(s string) string {
	if s == "" {
		return "Unknown"
	}
	return s
}
