package interfaces

// Signer holds a keypair identity. It signs message digests and
// performs targeted encryption for the encrypted RPC envelope. The
// local implementation wraps an in-memory secp256k1 key; a remote
// approval-based implementation backs the operator tooling.
type Signer interface {
	Pubkey() Pubkey

	// Sign produces a 65-byte recoverable secp256k1 signature over a
	// 32-byte digest.
	Sign(digest []byte) ([]byte, error)

	// Encrypt encrypts plaintext so only the holder of peer's secret key
	// can read it.
	Encrypt(peer Pubkey, plaintext []byte) ([]byte, error)

	// Decrypt decrypts a ciphertext produced for this signer's key. The
	// peer key is supplied for implementations whose scheme binds the
	// sender.
	Decrypt(peer Pubkey, ciphertext []byte) ([]byte, error)
}
