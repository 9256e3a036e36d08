package ws

// Cipher 使用掩码对载荷做原地异或。offset 表示payload之前已处理的字节数，
// 用于分块处理同一帧。加密与解密是同一操作。
func Cipher(payload []byte, mask [4]byte, offset int) {
	for i := range payload {
		payload[i] ^= mask[(offset+i)%4]
	}
}
