package gotls

import (
	"github.com/dreadl0ck/ja3"
	"github.com/dreadl0ck/tlsx"
)

// clientHelloDigest returns the JA3 digest of a raw ClientHello record.
func clientHelloDigest(record []byte) (string, error) {
	chb := &tlsx.ClientHelloBasic{}
	if err := chb.Unmarshal(record); err != nil {
		return "", err
	}
	return ja3.BareToDigestHex(ja3.Bare(chb)), nil
}
