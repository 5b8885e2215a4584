package cli

import "golang.org/x/crypto/blake2b"

// testImageSize размер генерируемого тестового изображения
const testImageSize = 4 * 1024

// TestImage generates deterministic pseudo-image content for a key: a PNG
// signature followed by a blake2b hash chain seeded with the key. The same
// key always yields the same bytes, so repeated test runs are comparable.
func TestImage(key string) []byte {
	out := make([]byte, 0, testImageSize)
	// Сигнатура PNG, чтобы содержимое выглядело как изображение
	out = append(out, 0x89, 'P', 'N', 'G', '\r', '\n', 0x1a, '\n')

	block := blake2b.Sum256([]byte(key))
	for len(out) < testImageSize {
		out = append(out, block[:]...)
		block = blake2b.Sum256(block[:])
	}
	return out[:testImageSize]
}
