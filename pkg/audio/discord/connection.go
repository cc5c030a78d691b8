package discord

import (
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/bwmarrin/discordgo"

	"github.com/MrWong99/orchestra/pkg/audio"
)

// speakerQueue is the number of decoded frames buffered per speaker before
// new frames are dropped.
const speakerQueue = 8

// voice is the part of a discordgo voice connection the backend uses.
type voice struct {
	send       chan<- []byte
	recv       <-chan *discordgo.Packet
	speaking   func(bool) error
	disconnect func() error
}

func voiceOf(vc *discordgo.VoiceConnection) *voice {
	return &voice{
		send:       vc.OpusSend,
		recv:       vc.OpusRecv,
		speaking:   vc.Speaking,
		disconnect: vc.Disconnect,
	}
}

// connection is one joined voice channel shared by the input and output
// devices. It demuxes incoming Opus packets by SSRC and decodes them into
// per-speaker queues that input streams mix from.
type connection struct {
	v   *voice
	log *slog.Logger

	mu       sync.Mutex
	speakers map[uint32]chan []int16
	order    []uint32

	// overflowed is set when a speaker queue was full and a frame dropped.
	overflowed atomic.Bool

	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup

	// removeHandler drops the VoiceStateUpdate handler, if one was added.
	removeHandler func()
}

func newConnection(v *voice, log *slog.Logger) *connection {
	c := &connection{
		v:        v,
		log:      log,
		speakers: make(map[uint32]chan []int16),
		done:     make(chan struct{}),
	}
	c.wg.Add(1)
	go c.recvLoop()
	return c
}

// recvLoop reads Opus packets from the voice connection, decodes them with a
// per-SSRC decoder and queues the PCM for mixing.
func (c *connection) recvLoop() {
	defer c.wg.Done()
	decoders := make(map[uint32]*opusDecoder)
	for {
		select {
		case <-c.done:
			return
		case pkt, ok := <-c.v.recv:
			if !ok {
				return
			}
			if pkt == nil {
				continue
			}
			dec, exists := decoders[pkt.SSRC]
			if !exists {
				var err error
				dec, err = newOpusDecoder()
				if err != nil {
					c.log.Error("failed to create opus decoder", "ssrc", pkt.SSRC, "err", err)
					continue
				}
				decoders[pkt.SSRC] = dec
			}
			pcm, err := dec.decode(pkt.Opus)
			if err != nil {
				c.log.Warn("opus decode error", "ssrc", pkt.SSRC, "err", err)
				continue
			}
			select {
			case c.queue(pkt.SSRC) <- pcm:
			default:
				c.overflowed.Store(true)
			}
		}
	}
}

func (c *connection) queue(ssrc uint32) chan []int16 {
	c.mu.Lock()
	defer c.mu.Unlock()
	q, ok := c.speakers[ssrc]
	if !ok {
		q = make(chan []int16, speakerQueue)
		c.speakers[ssrc] = q
		c.order = append(c.order, ssrc)
		c.log.Debug("new speaker", "ssrc", ssrc)
	}
	return q
}

// mix sums one queued frame from every speaker into buf, which must hold one
// Opus frame. It reports how many speakers contributed.
func (c *connection) mix(buf []int16) int {
	clear(buf)
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, ssrc := range c.order {
		select {
		case pcm := <-c.speakers[ssrc]:
			audio.MixInto(buf, pcm)
			n++
		default:
		}
	}
	return n
}

// drain discards all queued audio, used when input capture restarts.
func (c *connection) drain() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, q := range c.speakers {
		for len(q) > 0 {
			<-q
		}
	}
	c.overflowed.Store(false)
}

func (c *connection) setSpeaking(b bool) {
	if c.v.speaking == nil {
		return
	}
	if err := c.v.speaking(b); err != nil {
		c.log.Warn("speaking notification error", "speaking", b, "err", err)
	}
}

// close stops the receive loop and leaves the voice channel.
func (c *connection) close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		if c.removeHandler != nil {
			c.removeHandler()
		}
		if c.v.disconnect != nil {
			err = c.v.disconnect()
		}
		c.wg.Wait()
	})
	return err
}

// handleVoiceStateUpdate logs participants joining and leaving channelID.
func (c *connection) handleVoiceStateUpdate(guildID, channelID string) func(*discordgo.Session, *discordgo.VoiceStateUpdate) {
	return func(_ *discordgo.Session, vsu *discordgo.VoiceStateUpdate) {
		if vsu.GuildID != guildID {
			return
		}
		before := ""
		if vsu.BeforeUpdate != nil {
			before = vsu.BeforeUpdate.ChannelID
		}
		switch {
		case before == channelID && vsu.ChannelID != channelID:
			c.log.Info("participant left voice channel", "user_id", vsu.UserID)
		case vsu.ChannelID == channelID && before != channelID:
			c.log.Info("participant joined voice channel", "user_id", vsu.UserID)
		}
	}
}
