package folders

import (
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

var (
	unsafeRun  = regexp.MustCompile(`[^A-Za-z0-9._-]+`)
	digitGroup = regexp.MustCompile(`[0-9]+`)
)

// IsMetadataFile 判断文件名是否为 ISA-Tab 元数据文件（[asim]_*.txt|tsv，不区分大小写）。
func IsMetadataFile(name string) bool {
	lower := strings.ToLower(name)
	if len(lower) < 3 || lower[1] != '_' || !strings.ContainsRune("asim", rune(lower[0])) {
		return false
	}
	ext := filepath.Ext(lower)
	return ext == ".txt" || ext == ".tsv"
}

func isInvestigationName(name string) bool {
	return strings.EqualFold(name, InvestigationFile)
}

// Transliterate 去掉变音符号，并把安全字符集之外的连续字符折叠为一个下划线。
func Transliterate(s string) string {
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	out, _, err := transform.String(t, s)
	if err != nil {
		out = s
	}
	return unsafeRun.ReplaceAllString(out, "_")
}

// SanitiseNames 计算元数据文件的规范名称，返回 原名 -> 新名（只包含需要改名的文件）。
// 结果是一个投影：对已规范的名称再次计算不会产生改名。
func SanitiseNames(names []string, studyID string, aliases []string) map[string]string {
	sorted := append([]string(nil), names...)
	sort.Strings(sorted)

	taken := make(map[string]bool, len(sorted))
	for _, n := range sorted {
		taken[n] = true
	}
	// 每种前缀已使用的最大序号
	maxUsed := map[byte]int{}
	for _, n := range sorted {
		p, rest, _ := splitMetadataName(n)
		if suffix, ok := stripIdentifier(rest, studyID, nil); ok {
			if v, err := strconv.Atoi(strings.TrimPrefix(suffix, "_")); err == nil && v > maxUsed[p] {
				maxUsed[p] = v
			}
		}
	}

	renames := map[string]string{}
	for _, n := range sorted {
		target, ok := canonicalName(n, studyID, aliases, maxUsed)
		if !ok || target == n {
			continue
		}
		if taken[target] {
			if isInvestigationName(n) {
				continue
			}
			ext := filepath.Ext(target)
			base := strings.TrimSuffix(target, ext)
			for k := 1; ; k++ {
				candidate := base + "." + strconv.Itoa(k) + ext
				if !taken[candidate] {
					target = candidate
					break
				}
			}
		}
		taken[target] = true
		renames[n] = target
	}
	return renames
}

func canonicalName(name, studyID string, aliases []string, maxUsed map[byte]int) (string, bool) {
	if isInvestigationName(name) {
		return InvestigationFile, true
	}
	p, rest, ext := splitMetadataName(name)
	if p == 'i' {
		// 其他 i_ 文件不参与规范化
		return name, false
	}
	prefix := string(p) + "_"
	if suffix, ok := stripIdentifier(rest, studyID, aliases); ok {
		return prefix + studyID + Transliterate(suffix) + ext, true
	}
	if p == 's' {
		return prefix + studyID + ext, true
	}

	stripped := rest
	for _, id := range append([]string{studyID}, aliases...) {
		if id != "" {
			stripped = replaceFold(stripped, id, " ")
		}
	}
	n := 0
	if groups := digitGroup.FindAllString(stripped, -1); len(groups) > 0 {
		n, _ = strconv.Atoi(groups[len(groups)-1])
	} else {
		maxUsed[p]++
		n = maxUsed[p]
	}
	if n > maxUsed[p] {
		maxUsed[p] = n
	}
	return prefix + studyID + "_" + strconv.Itoa(n) + ext, true
}

// splitMetadataName 返回小写前缀字母、去掉前缀与扩展名后的主体、小写扩展名。
func splitMetadataName(name string) (byte, string, string) {
	ext := filepath.Ext(name)
	body := strings.TrimSuffix(name, ext)
	if len(body) < 2 {
		return 0, body, strings.ToLower(ext)
	}
	return strings.ToLower(body[:1])[0], body[2:], strings.ToLower(ext)
}

// stripIdentifier 当 rest 以研究标识（或曾用标识，忽略大小写）开头时返回其后的部分。
func stripIdentifier(rest, studyID string, aliases []string) (string, bool) {
	if studyID != "" && strings.HasPrefix(rest, studyID) {
		return rest[len(studyID):], true
	}
	for _, alias := range aliases {
		if alias != "" && len(rest) >= len(alias) && strings.EqualFold(rest[:len(alias)], alias) {
			return rest[len(alias):], true
		}
	}
	return "", false
}

func replaceFold(s, old, repl string) string {
	re := regexp.MustCompile(`(?i)` + regexp.QuoteMeta(old))
	return re.ReplaceAllString(s, repl)
}

// planSanitise 从 listDir 读取元数据文件并规划改名动作，动作路径位于 targetDir。
func (m *Maintainer) planSanitise(listDir, targetDir, studyID string, aliases []string) ([]Action, error) {
	names, err := m.listMetadataFiles(listDir)
	if err != nil {
		return nil, err
	}
	renames := SanitiseNames(names, studyID, aliases)
	var actions []Action
	for _, n := range names {
		target, ok := renames[n]
		if !ok {
			continue
		}
		actions = append(actions, Action{
			Type:   ActionRenameFile,
			Path:   filepath.Join(targetDir, n),
			Target: filepath.Join(targetDir, target),
			Reason: "sanitise filename",
			Status: ActionPlanned,
		})
	}
	return actions, nil
}
