package sgml

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/filing-archiver/internal/filing"
)

const submission = `<SEC-DOCUMENT>0000320193-24-000001.txt : 20240102
<SEC-HEADER>0000320193-24-000001.hdr.sgml : 20240102
ACCESSION NUMBER:		0000320193-24-000001
CONFORMED SUBMISSION TYPE:	10-K
FILER:
	COMPANY DATA:
		COMPANY CONFORMED NAME:			Apple Inc.
</SEC-HEADER>
<DOCUMENT>
<TYPE>10-K
<SEQUENCE>1
<FILENAME>aapl-20240101.htm
<DESCRIPTION>Annual report
<TEXT>
<html>annual</html>
</TEXT>
</DOCUMENT>
<DOCUMENT>
<TYPE>EX-21
<SEQUENCE>2
<TEXT>
subsidiaries
</TEXT>
</DOCUMENT>
</SEC-DOCUMENT>
`

func TestDecodeHeaderAndDocuments(t *testing.T) {
	t.Parallel()

	meta, docs, err := New().Decode([]byte(submission), filing.DecodeOptions{})
	require.NoError(t, err)
	require.Equal(t, "0000320193-24-000001", meta["ACCESSION NUMBER"])
	require.Equal(t, "Apple Inc.", meta["COMPANY CONFORMED NAME"])

	require.Len(t, docs, 2)
	require.Equal(t, "<html>annual</html>", string(docs[0]))
	require.Equal(t, "subsidiaries", string(docs[1]))

	listed := meta["DOCUMENTS"].([]any)
	require.Len(t, listed, 2)
	first := listed[0].(map[string]any)
	require.Equal(t, "10-K", first["TYPE"])
	require.Equal(t, "aapl-20240101.htm", first["FILENAME"])
	require.Equal(t, "Annual report", first["DESCRIPTION"])
	require.Equal(t, "2", listed[1].(map[string]any)["SEQUENCE"])
}

func TestDecodeStandardizesKeys(t *testing.T) {
	t.Parallel()

	meta, _, err := New().Decode([]byte(submission), filing.DecodeOptions{StandardizeMetadata: true})
	require.NoError(t, err)
	require.Equal(t, "0000320193-24-000001", meta["accession-number"])
	doc := meta["documents"].([]any)[0].(map[string]any)
	require.Equal(t, "1", doc["sequence"])
}

func TestDecodeFiltersDocumentTypes(t *testing.T) {
	t.Parallel()

	meta, docs, err := New().Decode([]byte(submission), filing.DecodeOptions{
		KeepDocumentTypes: []string{"ex-21"},
	})
	require.NoError(t, err)
	require.Len(t, docs, 1)
	require.Equal(t, "subsidiaries", string(docs[0]))
	require.Len(t, meta["DOCUMENTS"], 1)
	require.NotContains(t, meta, "FILTERED_DOCUMENTS")

	meta, docs, err = New().Decode([]byte(submission), filing.DecodeOptions{
		KeepDocumentTypes:    []string{"EX-21"},
		KeepFilteredMetadata: true,
	})
	require.NoError(t, err)
	require.Len(t, docs, 1)
	filtered := meta["FILTERED_DOCUMENTS"].([]any)
	require.Equal(t, "10-K", filtered[0].(map[string]any)["TYPE"])
}

func TestDecodeTagHeader(t *testing.T) {
	t.Parallel()

	in := "<SUBMISSION>\n<ACCESSION-NUMBER>0000000001-24-000002\n<TYPE>8-K\n<DOCUMENT>\n<TYPE>8-K\n<TEXT>\nbody\n</TEXT>\n</DOCUMENT>\n"
	meta, docs, err := New().Decode([]byte(in), filing.DecodeOptions{})
	require.NoError(t, err)
	require.Equal(t, "0000000001-24-000002", meta["ACCESSION-NUMBER"])
	require.Equal(t, "8-K", meta["TYPE"])
	require.Equal(t, []byte("body"), docs[0])
}

func TestDecodeErrors(t *testing.T) {
	t.Parallel()

	_, _, err := New().Decode([]byte("  \n"), filing.DecodeOptions{})
	require.ErrorIs(t, err, ErrEmpty)

	_, _, err = New().Decode([]byte("not a submission"), filing.DecodeOptions{})
	require.ErrorIs(t, err, ErrNoDocuments)
}
