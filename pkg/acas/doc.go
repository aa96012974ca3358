// Package acas implements the access-control key derivation, ECM
// pipeline, and AES-CTR fast path used to descramble MMT/TLV broadcast
// streams against an ACAS smart card.
//
// The pieces compose as: an IoPipeline (C5) hands filled buffers to an
// external demultiplexer, which routes ECM blobs to (*AcasHandler).OnEcm
// and scrambled MMTP packets to (*AcasHandler).Decrypt. AcasHandler's
// worker resolves each ECM through an AcasCard, which in turn drives a
// SmartCardPort implementation — a real PC/SC reader (NewPCSCPort) or a
// recorded-trace replay (NewReplayPort) in tests.
package acas
