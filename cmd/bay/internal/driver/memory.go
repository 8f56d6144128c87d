package driver

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/shipyard-project/bay/cmd/bay/internal/bayerr"
)

var memoryPattern = regexp.MustCompile(`^([0-9]+(?:\.[0-9]+)?)\s*([kKmMgGtT])?[bB]?$`)

// parseMemoryBytes converts Docker-style memory strings ("512m", "2g",
// "1024k", "536870912") to bytes.
func parseMemoryBytes(s string) (int64, error) {
	m := memoryPattern.FindStringSubmatch(strings.TrimSpace(s))
	if m == nil {
		return 0, bayerr.New(bayerr.InvalidRequest, "invalid memory value %q", s)
	}
	n, err := strconv.ParseFloat(m[1], 64)
	if err != nil {
		return 0, bayerr.New(bayerr.InvalidRequest, "invalid memory value %q", s)
	}
	switch strings.ToLower(m[2]) {
	case "k":
		n *= 1 << 10
	case "m":
		n *= 1 << 20
	case "g":
		n *= 1 << 30
	case "t":
		n *= 1 << 40
	}
	return int64(n), nil
}

var dockerStyleSuffix = regexp.MustCompile(`^[0-9]+(?:\.[0-9]+)?\s*[kmgt]b?$`)

// validateKubernetesMemory rejects Docker-style lowercase suffixes before
// they reach the Kubernetes quantity parser, where "512m" would mean
// 512 millibytes rather than 512 mebibytes.
func validateKubernetesMemory(s string) error {
	if dockerStyleSuffix.MatchString(strings.TrimSpace(s)) {
		return bayerr.New(bayerr.InvalidRequest,
			"memory %q uses a Docker-style suffix; Kubernetes requires binary suffixes such as Mi or Gi", s)
	}
	return nil
}

// cpuQuota converts a fractional CPU count to a CFS quota against the
// standard 100ms period.
func cpuQuota(cpus float64) (quota int64, period int64) {
	return int64(cpus * 100000), 100000
}
