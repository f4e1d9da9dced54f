package digestauth

import "crypto/md5"

// md5Sum is the crypto/md5-backed implementation behind MD5Hasher. It is
// the default production Md5 collaborator; see ports.Md5 for why it is
// injected rather than called directly from Response.
func md5Sum(data []byte) [16]byte {
	return md5.Sum(data)
}
