/*
Package sniff opens network devices for layer-2 capture and hands back raw
frames, without libpcap.

 Linux uses an AF_PACKET raw socket, either one recvfrom per frame (syscalls mode)
 or the memory-mapped TPACKET_V3 ring from gopacket/afpacket.
  Canonical reference is at https://www.kernel.org/doc/Documentation/networking/packet_mmap.txt
  For syscall-based capture: see http://www.microhowto.info/howto/capture_ethernet_frames_using_an_af_packet_socket_in_c.html
 MacOS and FreeBSD use a /dev/bpf* device instead of a raw socket. Some good examples:
  https://github.com/c-bata/xpcap/blob/master/sniffer.c#L50
  https://gist.github.com/2opremio/6fda363ab384b0d85347956fb79a3927
 Saved captures (pcap and pcapng) are read through gopacket/pcapgo.

A Handle implements gopacket.PacketDataSource, so it can be handed straight to
gopacket.NewPacketSource, or drained through Listen.
*/
package sniff
