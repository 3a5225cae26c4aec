package addr

import "testing"

func TestSocketFromStrRoundTrip(t *testing.T) {
	ports := []uint16{1, 80, 1080, 8443, 65535}
	hosts := []string{"127.0.0.1", "0.0.0.0", "[::1]", "[2001:db8::1]", "[::]"}

	for _, h := range hosts {
		for _, p := range ports {
			in := SocketAddress{}
			host, err := HostFromStr(h)
			if err != nil {
				t.Fatalf("HostFromStr(%q): %v", h, err)
			}
			in.Host = host
			in.Port = p

			s := SocketToStr(in)
			out, err := SocketFromStr(s)
			if err != nil {
				t.Fatalf("SocketFromStr(%q): %v", s, err)
			}
			if out.Port != in.Port || HostToStr(out.Host) != HostToStr(in.Host) {
				t.Errorf("round trip mismatch: %+v -> %q -> %+v", in, s, out)
			}
		}
	}
}

func TestSocketFromStrParsesForms(t *testing.T) {
	cases := []struct {
		in       string
		wantHost string
		wantPort uint16
		wantErr  bool
	}{
		{in: "127.0.0.1:1080", wantHost: "127.0.0.1", wantPort: 1080},
		{in: "[::1]:1080", wantHost: "[::1]", wantPort: 1080},
		{in: "[2001:db8::1]:443", wantHost: "[2001:db8::1]", wantPort: 443},
		{in: "127.0.0.1", wantErr: true},
		{in: "::1:1080", wantErr: true},
		{in: "127.0.0.1:", wantErr: true},
		{in: "127.0.0.1:0x50", wantErr: true},
		{in: "127.0.0.1:99999", wantErr: true},
		{in: "127.0.0.1:0", wantErr: true},
	}
	for _, tc := range cases {
		sa, err := SocketFromStr(tc.in)
		if tc.wantErr {
			if err == nil {
				t.Errorf("SocketFromStr(%q): expected error, got %+v", tc.in, sa)
			}
			continue
		}
		if err != nil {
			t.Fatalf("SocketFromStr(%q): unexpected error: %v", tc.in, err)
		}
		if sa.Port != tc.wantPort {
			t.Errorf("SocketFromStr(%q).Port = %d, want %d", tc.in, sa.Port, tc.wantPort)
		}
		if got := HostToStr(sa.Host); got != tc.wantHost {
			t.Errorf("SocketFromStr(%q).Host = %q, want %q", tc.in, got, tc.wantHost)
		}
	}
}
