package stack

import (
	"testing"
)

const catalogQuery = "<?xml version=\"1.0\"?>\r\n" +
	"<Query>\r\n" +
	"<CmdType>Catalog</CmdType>\r\n" +
	"<SN>17</SN>\r\n" +
	"<DeviceID>34020000001320000001</DeviceID>\r\n" +
	"</Query>\r\n"

func TestParseElement(t *testing.T) {
	t.Run("catalog_query", func(t *testing.T) {
		doc, err := ParseElement([]byte(catalogQuery))
		if err != nil {
			t.Fatal(err)
		}

		if doc.Tag != "Query" {
			t.Fatalf("bad root: %s", doc.Tag)
		}

		if CmdTypeOf(doc) != "Catalog" || SNOf(doc) != "17" || DeviceIDOf(doc) != "34020000001320000001" {
			t.Fatalf("bad fields: %s %s %s", CmdTypeOf(doc), SNOf(doc), DeviceIDOf(doc))
		}
	})

	t.Run("attributes_and_nesting", func(t *testing.T) {
		raw := `<?xml version="1.0" encoding="GB2312"?>
<Response>
<CmdType>Catalog</CmdType>
<DeviceList Num="2">
<Item><DeviceID>101</DeviceID></Item>
<Item><DeviceID>102</DeviceID></Item>
</DeviceList>
</Response>`

		doc, err := ParseElement([]byte(raw))
		if err != nil {
			t.Fatal(err)
		}

		list := doc.Find("DeviceList")
		if list == nil || list.Attributes["Num"] != "2" {
			t.Fatal("bad DeviceList")
		}

		if len(list.Children) != 2 {
			t.Fatalf("bad children: %d", len(list.Children))
		}

		if list.Children[1].TextOf("DeviceID") != "102" {
			t.Fatal("bad nested item")
		}
	})

	t.Run("comments_and_self_closing", func(t *testing.T) {
		raw := `<!-- 注释 --><Control><Info/><PTZCmd>Command=3&amp;Speed=200</PTZCmd></Control>`

		doc, err := ParseElement([]byte(raw))
		if err != nil {
			t.Fatal(err)
		}

		if doc.Find("Info") == nil {
			t.Fatal("self closing tag lost")
		}

		// 实体解码
		if PtzCmdOf(doc) != "Command=3&Speed=200" {
			t.Fatalf("bad ptz cmd: %s", PtzCmdOf(doc))
		}
	})

	t.Run("single_quoted_attr", func(t *testing.T) {
		doc, err := ParseElement([]byte(`<A x='1'><B>b</B></A>`))
		if err != nil {
			t.Fatal(err)
		}

		if doc.Attributes["x"] != "1" || doc.TextOf("B") != "b" {
			t.Fatal("bad parse")
		}
	})

	t.Run("malformed", func(t *testing.T) {
		if _, err := ParseElement([]byte("<Query><CmdType>Catalog</Query>")); err == nil {
			t.Fatal("expect error on mismatched tag")
		}

		if _, err := ParseElement([]byte("no xml here")); err == nil {
			t.Fatal("expect error on garbage")
		}
	})
}

func TestDecodeManscdp(t *testing.T) {
	// GB2312声明+GBK编码的中文内容
	utf8Body := "<?xml version=\"1.0\" encoding=\"GB2312\"?>\r\n" +
		"<Notify>\r\n" +
		"<CmdType>Alarm</CmdType>\r\n" +
		"<AlarmDescription>移动侦测告警</AlarmDescription>\r\n" +
		"</Notify>\r\n"

	gbk, err := Utf8ToGbk(utf8Body)
	if err != nil {
		t.Fatal(err)
	}

	doc, err := DecodeManscdp(gbk)
	if err != nil {
		t.Fatal(err)
	}

	if doc.TextOf("AlarmDescription") != "移动侦测告警" {
		t.Fatalf("bad gbk decode: %s", doc.TextOf("AlarmDescription"))
	}
}

func TestRecordInfoQueryOf(t *testing.T) {
	raw := `<Query>
<CmdType>RecordInfo</CmdType>
<SN>5</SN>
<DeviceID>34020000001310000001</DeviceID>
<StartTime>2024-01-01T00:00:00</StartTime>
<EndTime>2024-01-02T00:00:00</EndTime>
<Type>time</Type>
</Query>`

	doc, err := ParseElement([]byte(raw))
	if err != nil {
		t.Fatal(err)
	}

	channel, start, end := RecordInfoQueryOf(doc)
	if channel != "34020000001310000001" || start != "2024-01-01T00:00:00" || end != "2024-01-02T00:00:00" {
		t.Fatalf("bad query: %s %s %s", channel, start, end)
	}
}
