package frame

// Arena hands out reusable scratch buffers for one processing cycle. Buffers
// are returned zeroed and stay owned by the arena; callers must not retain
// them past Reset.
type Arena struct {
	f32  [][]float32
	next int
}

// Float32s returns a zeroed buffer of length n.
func (a *Arena) Float32s(n int) []float32 {
	if a.next < len(a.f32) && cap(a.f32[a.next]) >= n {
		buf := a.f32[a.next][:n]
		clear(buf)
		a.next++
		return buf
	}
	buf := make([]float32, n)
	if a.next < len(a.f32) {
		a.f32[a.next] = buf
	} else {
		a.f32 = append(a.f32, buf)
	}
	a.next++
	return buf
}

// Frame returns a zeroed frame backed by arena memory.
func (a *Arena) Frame(width, height int) *Frame {
	return &Frame{Width: width, Height: height, Pix: a.Float32s(width * height)}
}

// Reset makes every buffer handed out so far available again.
func (a *Arena) Reset() {
	a.next = 0
}

// Len reports how many buffers are currently handed out.
func (a *Arena) Len() int {
	return a.next
}
