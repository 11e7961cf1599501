package transport

// LocalTrackCount reports how many local tracks a pion link sends.
func LocalTrackCount(l PeerLink) int {
	link, ok := l.(*rtcLink)
	if !ok {
		return 0
	}
	return len(link.localTracks())
}
