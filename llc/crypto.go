package llc

import (
	"crypto/aes"
	"encoding/binary"

	"github.com/pkg/errors"
	"github.com/rigado/ll/sliceops"
)

// SessionKey derives SK = e(LTK, SKDm || SKDs). ltk and the result are least
// significant octet first, as they travel over HCI.
func SessionKey(ltk [16]byte, skdm, skds uint64) ([16]byte, error) {
	var sk [16]byte

	c, err := aes.NewCipher(sliceops.Reversed(ltk[:]))
	if err != nil {
		return sk, errors.Wrap(err, "can't derive session key")
	}
	var skd [16]byte
	binary.BigEndian.PutUint64(skd[0:], skds)
	binary.BigEndian.PutUint64(skd[8:], skdm)
	c.Encrypt(sk[:], skd[:])
	sliceops.Reverse16(&sk)
	return sk, nil
}

// SessionIV is IVm || IVs, least significant octet first.
func SessionIV(ivm, ivs uint32) [8]byte {
	var iv [8]byte
	binary.LittleEndian.PutUint32(iv[0:], ivm)
	binary.LittleEndian.PutUint32(iv[4:], ivs)
	return iv
}
