package scheduler

import (
	"path/filepath"
	"sort"
	"strings"
)

const (
	scoreHighValue  = 100
	scoreExecutable = 50
	scoreSensitive  = 25
	maxSizePenalty  = 20
	// sizePenaltyStep is the unit size that costs one priority point.
	sizePenaltyStep = 100 << 10
)

var highValueFiles = map[string]bool{
	"wp-config.php":     true,
	"config.php":        true,
	"configuration.php": true,
	"settings.php":      true,
	"local.xml":         true,
	".htaccess":         true,
	".env":              true,
	"web.config":        true,
	"index.php":         true,
}

var executableExtensions = map[string]bool{
	".php":   true,
	".phtml": true,
	".php3":  true,
	".php4":  true,
	".php5":  true,
	".php7":  true,
	".phar":  true,
	".inc":   true,
	".js":    true,
	".py":    true,
	".pl":    true,
	".cgi":   true,
	".sh":    true,
	".asp":   true,
	".aspx":  true,
	".jsp":   true,
}

var sensitiveDirs = []string{
	"wp-admin", "wp-includes", "wp-content/plugins", "wp-content/themes",
	"wp-content/mu-plugins", "wp-content/uploads", "admin", "includes",
	"cgi-bin", "uploads",
}

func priorityScore(u WorkUnit) int {
	score := 0
	if highValueFiles[strings.ToLower(filepath.Base(u.Path))] {
		score += scoreHighValue
	}
	if executableExtensions[strings.ToLower(filepath.Ext(u.Path))] {
		score += scoreExecutable
	}
	if inExcludedDir(u.Path, sensitiveDirs) {
		score += scoreSensitive
	}
	score -= int(min(int64(maxSizePenalty), max(u.Size, 0)/sizePenaltyStep))
	return score
}

// Prioritize returns the units ordered by descending priority score. Units
// with equal scores keep their input order.
func Prioritize(units []WorkUnit) []WorkUnit {
	out := make([]WorkUnit, len(units))
	copy(out, units)
	for i := range out {
		out[i].Priority = priorityScore(out[i])
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Priority > out[j].Priority
	})
	return out
}
