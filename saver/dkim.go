package saver

import (
	"fmt"
	"os"

	"github.com/emersion/go-msgauth/dkim"
)

// checkDKIM checks the signatures of a stored message and describes each
// result as "pass <domain>" or "fail <domain>: <reason>".
func (s *Saver) checkDKIM(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	verifications, err := dkim.VerifyWithOptions(f, &dkim.VerifyOptions{
		LookupTXT: s.lookupTXT,
	})
	if err != nil {
		return nil, err
	}
	if len(verifications) == 0 {
		return []string{"none"}, nil
	}
	results := make([]string, 0, len(verifications))
	for _, v := range verifications {
		if v.Err != nil {
			results = append(results, fmt.Sprintf("fail %s: %v", v.Domain, v.Err))
		} else {
			results = append(results, "pass "+v.Domain)
		}
	}
	return results, nil
}
