package folders

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSanitiseNames(t *testing.T) {
	tests := []struct {
		name    string
		files   []string
		aliases []string
		want    map[string]string
	}{
		{
			name:  "assay without identifier takes trailing number",
			files: []string{"A_Study Test Assay(1).tsv"},
			want:  map[string]string{"A_Study Test Assay(1).tsv": "a_X-100_1.tsv"},
		},
		{
			name:  "collision gets dotted suffix",
			files: []string{"a_X-100_1.tsv", "a_other 1.tsv"},
			want:  map[string]string{"a_other 1.tsv": "a_X-100_1.1.tsv"},
		},
		{
			name:  "numbers allocated in sorted order",
			files: []string{"a_lcms.tsv", "a_gcms.tsv"},
			want:  map[string]string{"a_gcms.tsv": "a_X-100_1.tsv", "a_lcms.tsv": "a_X-100_2.tsv"},
		},
		{
			name:  "study file",
			files: []string{"s_study.txt"},
			want:  map[string]string{"s_study.txt": "s_X-100.txt"},
		},
		{
			name:    "alias replaced by study id",
			files:   []string{"m_REQ1_maf v2.tsv"},
			aliases: []string{"REQ1"},
			want:    map[string]string{"m_REQ1_maf v2.tsv": "m_X-100_maf_v2.tsv"},
		},
		{
			name:  "suffix transliterated",
			files: []string{"a_X-100_Café assay.TSV"},
			want:  map[string]string{"a_X-100_Café assay.TSV": "a_X-100_Cafe_assay.tsv"},
		},
		{
			name:  "investigation case fix",
			files: []string{"I_INVESTIGATION.TXT"},
			want:  map[string]string{"I_INVESTIGATION.TXT": "i_Investigation.txt"},
		},
		{
			name:  "canonical names untouched",
			files: []string{"i_Investigation.txt", "s_X-100.txt", "a_X-100_1.tsv", "m_X-100_1_maf.tsv"},
			want:  map[string]string{},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := SanitiseNames(tt.files, "X-100", tt.aliases)
			assert.Equal(t, tt.want, got)

			// 再次规范化不产生改名
			var after []string
			for _, f := range tt.files {
				if to, ok := got[f]; ok {
					after = append(after, to)
				} else {
					after = append(after, f)
				}
			}
			assert.Empty(t, SanitiseNames(after, "X-100", tt.aliases))
		})
	}
}

func TestIsMetadataFile(t *testing.T) {
	assert.True(t, IsMetadataFile("a_X-100_1.tsv"))
	assert.True(t, IsMetadataFile("I_Investigation.TXT"))
	assert.False(t, IsMetadataFile("raw.mzML"))
	assert.False(t, IsMetadataFile("b_X-100.txt"))
	assert.False(t, IsMetadataFile("a_X-100.csv"))
}

func TestTransliterate(t *testing.T) {
	assert.Equal(t, "Ceramide_d18_1_", Transliterate("Céramide (d18:1)"))
	assert.Equal(t, "naive_test_", Transliterate("naïve  test!"))
}
