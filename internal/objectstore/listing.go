package objectstore

import (
	"html"
	"regexp"
	"strconv"
	"time"
)

var (
	contentsRe  = regexp.MustCompile(`(?s)<Contents>(.*?)</Contents>`)
	keyRe       = regexp.MustCompile(`(?s)<Key>(.*?)</Key>`)
	sizeRe      = regexp.MustCompile(`<Size>(\d+)</Size>`)
	modifiedRe  = regexp.MustCompile(`<LastModified>([^<]+)</LastModified>`)
	truncatedRe = regexp.MustCompile(`<IsTruncated>(true|false)</IsTruncated>`)
	nextTokenRe = regexp.MustCompile(`<NextContinuationToken>([^<]+)</NextContinuationToken>`)
)

type listing struct {
	Objects   []Object
	Truncated bool
	NextToken string
}

// parseListing scans a ListObjectsV2 response. Blocks without a key are
// skipped; a missing size or timestamp is left zero.
func parseListing(body []byte) listing {
	var l listing
	for _, m := range contentsRe.FindAllSubmatch(body, -1) {
		block := m[1]
		km := keyRe.FindSubmatch(block)
		if km == nil {
			continue
		}
		o := Object{Key: html.UnescapeString(string(km[1]))}
		if sm := sizeRe.FindSubmatch(block); sm != nil {
			o.Size, _ = strconv.ParseInt(string(sm[1]), 10, 64)
		}
		if mm := modifiedRe.FindSubmatch(block); mm != nil {
			o.LastModified, _ = time.Parse(time.RFC3339, string(mm[1]))
		}
		l.Objects = append(l.Objects, o)
	}
	if tm := truncatedRe.FindSubmatch(body); tm != nil {
		l.Truncated = string(tm[1]) == "true"
	}
	if nm := nextTokenRe.FindSubmatch(body); nm != nil {
		l.NextToken = html.UnescapeString(string(nm[1]))
	}
	return l
}
