package control

// DriftBuffer is a fixed-capacity circular store of drift samples for one
// axis. The write position (channel tick) wraps at MaxAccumCount and the
// accumulation tick wraps at the configured window independently. A sample
// written before Advance is overwritten by the next Put.
type DriftBuffer struct {
	samples     [MaxAccumCount]float64
	channelTick int
	accumTick   int
}

// Reset clears samples and ticks.
func (b *DriftBuffer) Reset() {
	*b = DriftBuffer{}
}

// Put stores v at the current channel tick.
func (b *DriftBuffer) Put(v float64) {
	b.samples[b.channelTick] = v
}

// Current returns the sample at the current channel tick.
func (b *DriftBuffer) Current() float64 {
	return b.samples[b.channelTick]
}

// Average returns the mean of the n most recent samples, walking backwards
// from the channel tick with wrap-around.
func (b *DriftBuffer) Average(n int) float64 {
	if n <= 0 {
		return 0
	}
	if n > MaxAccumCount {
		n = MaxAccumCount
	}
	var sum float64
	idx := b.channelTick
	for i := 0; i < n; i++ {
		sum += b.samples[idx]
		if idx > 0 {
			idx--
		} else {
			idx = MaxAccumCount - 1
		}
	}
	return sum / float64(n)
}

// Integral returns the sum of the whole buffer divided by its capacity.
// Unwritten slots count as zero.
func (b *DriftBuffer) Integral() float64 {
	var sum float64
	for _, v := range b.samples {
		sum += v
	}
	return sum / MaxAccumCount
}

// MeanSquare returns the mean of the squares of the first count slots.
func (b *DriftBuffer) MeanSquare(count int) float64 {
	if count <= 0 {
		return 0
	}
	if count > MaxAccumCount {
		count = MaxAccumCount
	}
	var sum float64
	for _, v := range b.samples[:count] {
		sum += v * v
	}
	return sum / float64(count)
}

// Advance moves both ticks forward. accumFrames below 1 is treated as 1.
func (b *DriftBuffer) Advance(accumFrames int) {
	if accumFrames < 1 {
		accumFrames = 1
	}
	b.channelTick++
	if b.channelTick >= MaxAccumCount {
		b.channelTick = 0
	}
	b.accumTick++
	if b.accumTick >= accumFrames {
		b.accumTick = 0
	}
}

// ChannelTick returns the current write position.
func (b *DriftBuffer) ChannelTick() int { return b.channelTick }

// AccumTick returns the position within the accumulation window.
func (b *DriftBuffer) AccumTick() int { return b.accumTick }
