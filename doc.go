/*
Package videoplayer decodes an encoded video stream through a chain of
hardware decode stages and publishes the decoded frames into a
GPU-sampleable Output Image.

# Overview

A Player drives a decode graph of stages connected by tunnels:

	clock → decode → scheduler → render

The clock stage accepts the encoded bytes read from a Source, the decode
stage is selected by probing the first bytes of the stream, and the render
stage hands every filled frame buffer back to the player. Frames cross
three execution contexts:

  - the decode context, where the backend delivers filled buffers
  - the decode-driving goroutine, which reads the Source and feeds the graph
  - the GPU goroutine, the only one that ever writes the Output Image

Filled buffers reach the GPU goroutine through a single-slot mailbox: when
the consumer falls behind, the newest frame replaces the pending one and
the replaced buffer is returned to the pipeline unused.

# Usage

	src := videoplayer.NewFileSource("movie.h264")
	target := videoplayer.NewRGBATarget()

	player, err := videoplayer.New(src, target,
		videoplayer.WithBackend(gstbackend.Factory()),
	)
	if err != nil {
		log.Fatal(err)
	}
	defer player.Destroy()

	// GPU goroutine
	go player.Publisher().Run(ctx)

	if err := player.Start(ctx); err != nil {
		log.Fatal(err)
	}

# Lifecycle

	Uninitialized → StreamOpen → GraphBuilt → Playing → EndOfStream
	                                              ↘ Failed

Start on an empty source goes from StreamOpen straight to EndOfStream.
Rewind is accepted only at EndOfStream and returns to StreamOpen. Destroy
is valid from every state and releases every resource exactly once.

Each playback session gets a generation number. Buffer notifications
carry the generation they were bound with; those of a torn-down session
are discarded and their buffers released.

# Errors

Failures are reported as *Error with a Kind: KindStream (source open,
read, rewind), KindGraphBuild (stage or tunnel creation), KindBuffer
(three consecutive buffer errors) and KindPublish (Output Image update,
not fatal). LastError returns the description of the most recent one.

# Logging

The package is silent by default. Use SetLogger or WithLogger to attach a
*slog.Logger.
*/
package videoplayer
