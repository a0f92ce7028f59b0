package importer

import (
	"testing"

	"github.com/odz123/nzbdav/internal/importer/parser"

	"github.com/stretchr/testify/assert"
)

func TestClassifyByFilename(t *testing.T) {
	cases := []struct {
		name string
		want FileKind
	}{
		{"release.rar", KindRar},
		{"release.part01.rar", KindRar},
		{"release.r00", KindRar},
		{"release.R01", KindRar},
		{"archive.7z", KindSevenZip},
		{"archive.7z.001", KindSevenZip},
		{"movie.mkv.001", KindMultipartMkv},
		{"movie.MKV.002", KindMultipartMkv},
		{"repair.par2", KindPar2},
		{"repair.vol01+02.PAR2", KindPar2},
		{"movie.mkv", KindOther},
		{"sample.nfo", KindOther},
	}
	for _, tc := range cases {
		got := Classify(&parser.ParsedFile{Filename: tc.name})
		assert.Equal(t, tc.want, got, "classify %q", tc.name)
	}
}

func TestClassifyObfuscatedByContent(t *testing.T) {
	rarPayload := append([]byte{0x52, 0x61, 0x72, 0x21, 0x1A, 0x07, 0x01, 0x00}, make([]byte, 64)...)
	got := Classify(&parser.ParsedFile{Filename: "ab34f9c2e11d", RawBytes: rarPayload})
	assert.Equal(t, KindRar, got)

	szPayload := append([]byte{0x37, 0x7A, 0xBC, 0xAF, 0x27, 0x1C}, make([]byte, 64)...)
	got = Classify(&parser.ParsedFile{Filename: "ab34f9c2e11d", RawBytes: szPayload})
	assert.Equal(t, KindSevenZip, got)
}

func TestGroupByKindDropsPar2(t *testing.T) {
	files := []parser.ParsedFile{
		{Filename: "a.rar"},
		{Filename: "a.r00"},
		{Filename: "fix.par2"},
		{Filename: "movie.mkv"},
	}
	groups := GroupByKind(files)
	assert.Len(t, groups[KindRar], 2)
	assert.Len(t, groups[KindOther], 1)
	assert.NotContains(t, groups, KindPar2)
}

func TestIsImportableVideo(t *testing.T) {
	assert.True(t, IsImportableVideo("movie.mkv"))
	assert.True(t, IsImportableVideo("Movie.MP4"))
	assert.False(t, IsImportableVideo("notes.txt"))
	assert.False(t, IsImportableVideo("archive.rar"))
}

func TestLooksObfuscated(t *testing.T) {
	assert.True(t, looksObfuscated("a9Xk2fB81mQz7Lc0pR4t.mkv", "Some Movie"))
	assert.False(t, looksObfuscated("Some Movie.mkv", "Some Movie"))
	assert.False(t, looksObfuscated("Some.Movie.mkv", "Some Movie"))
	assert.False(t, looksObfuscated("short.mkv", "Some Movie"))
}
