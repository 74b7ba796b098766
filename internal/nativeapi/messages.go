package nativeapi

import (
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

// Message type identifiers.
const (
	msgHelloRequest            = 1
	msgHelloResponse           = 2
	msgConnectRequest          = 3
	msgConnectResponse         = 4
	msgDisconnectRequest       = 5
	msgDisconnectResponse      = 6
	msgPingRequest             = 7
	msgPingResponse            = 8
	msgDeviceInfoRequest       = 9
	msgDeviceInfoResponse      = 10
	msgListEntitiesRequest     = 11
	msgListEntitiesDone        = 19
	msgSubscribeStatesRequest  = 20
	msgCoverCommandRequest     = 30
	msgFanCommandRequest       = 31
	msgLightCommandRequest     = 32
	msgSwitchCommandRequest    = 33
	msgGetTimeRequest          = 36
	msgGetTimeResponse         = 37
	msgListEntitiesServices    = 41
	msgExecuteServiceRequest   = 42
	msgClimateCommandRequest   = 48
	msgNumberCommandRequest    = 51
	msgSelectCommandRequest    = 54
	msgLockCommandRequest      = 60
	msgButtonCommandRequest    = 62
	msgTextCommandRequest      = 99
	apiVersionMajor            = 1
	apiVersionMinor            = 9
	maxPlaintextMessageSize    = 1 << 20
	maxNoiseFrameSize          = 0xffff
)

var helloResponseSchema = schema{
	{1, "apiVersionMajor", kUint32},
	{2, "apiVersionMinor", kUint32},
	{3, "serverInfo", kString},
	{4, "name", kString},
}

var connectResponseSchema = schema{
	{1, "invalidPassword", kBool},
}

var deviceInfoSchema = schema{
	{1, "usesPassword", kBool},
	{2, "name", kString},
	{3, "macAddress", kString},
	{4, "esphomeVersion", kString},
	{5, "compilationTime", kString},
	{6, "model", kString},
	{7, "hasDeepSleep", kBool},
	{8, "projectName", kString},
	{9, "projectVersion", kString},
	{10, "webserverPort", kUint32},
	{12, "manufacturer", kString},
	{13, "friendlyName", kString},
	{16, "suggestedArea", kString},
}

// entityHeader is shared by every ListEntities response.
var entityHeader = schema{
	{1, "objectId", kString},
	{2, "key", kFixed32},
	{3, "name", kString},
	{4, "uniqueId", kString},
}

func withHeader(fields ...field) schema {
	s := make(schema, 0, len(entityHeader)+len(fields))
	s = append(s, entityHeader...)
	return append(s, fields...)
}

// platform binds an entity type to its list and state message layouts.
type platform struct {
	typ         EntityType
	listID      uint32
	stateID     uint32 // zero for stateless platforms
	listSchema  schema
	stateSchema schema
}

var platforms = []platform{
	{
		typ: BinarySensor, listID: 12, stateID: 21,
		listSchema: withHeader(
			field{5, "deviceClass", kString},
			field{6, "isStatusBinarySensor", kBool},
			field{7, "disabledByDefault", kBool},
			field{8, "icon", kString},
			field{9, "entityCategory", kEnum},
		),
		stateSchema: schema{{1, "key", kFixed32}, {2, "state", kBool}, {3, "missingState", kBool}},
	},
	{
		typ: Cover, listID: 13, stateID: 22,
		listSchema: withHeader(
			field{5, "assumedState", kBool},
			field{6, "supportsPosition", kBool},
			field{7, "supportsTilt", kBool},
			field{8, "deviceClass", kString},
			field{9, "disabledByDefault", kBool},
			field{10, "icon", kString},
			field{11, "entityCategory", kEnum},
			field{12, "supportsStop", kBool},
		),
		stateSchema: schema{
			{1, "key", kFixed32},
			{2, "legacyState", kEnum},
			{3, "position", kFloat},
			{4, "tilt", kFloat},
			{5, "currentOperation", kEnum},
		},
	},
	{
		typ: Fan, listID: 14, stateID: 23,
		listSchema: withHeader(
			field{5, "supportsOscillation", kBool},
			field{6, "supportsSpeed", kBool},
			field{7, "supportsDirection", kBool},
			field{8, "supportedSpeedCount", kInt32},
			field{9, "disabledByDefault", kBool},
			field{10, "icon", kString},
			field{11, "entityCategory", kEnum},
			field{12, "supportedPresetModesList", kStrings},
		),
		stateSchema: schema{
			{1, "key", kFixed32},
			{2, "state", kBool},
			{3, "oscillating", kBool},
			{4, "speed", kEnum},
			{5, "direction", kEnum},
			{6, "speedLevel", kInt32},
			{7, "presetMode", kString},
		},
	},
	{
		typ: Light, listID: 15, stateID: 24,
		listSchema: withHeader(
			field{5, "legacySupportsBrightness", kBool},
			field{6, "legacySupportsRgb", kBool},
			field{7, "legacySupportsWhiteValue", kBool},
			field{8, "legacySupportsColorTemperature", kBool},
			field{9, "minMireds", kFloat},
			field{10, "maxMireds", kFloat},
			field{11, "effectsList", kStrings},
			field{12, "supportedColorModesList", kEnums},
			field{13, "disabledByDefault", kBool},
			field{14, "icon", kString},
			field{15, "entityCategory", kEnum},
		),
		stateSchema: schema{
			{1, "key", kFixed32},
			{2, "state", kBool},
			{3, "brightness", kFloat},
			{11, "colorMode", kEnum},
			{10, "colorBrightness", kFloat},
			{4, "red", kFloat},
			{5, "green", kFloat},
			{6, "blue", kFloat},
			{7, "white", kFloat},
			{8, "colorTemperature", kFloat},
			{12, "coldWhite", kFloat},
			{13, "warmWhite", kFloat},
			{9, "effect", kString},
		},
	},
	{
		typ: Sensor, listID: 16, stateID: 25,
		listSchema: withHeader(
			field{5, "icon", kString},
			field{6, "unitOfMeasurement", kString},
			field{7, "accuracyDecimals", kInt32},
			field{8, "forceUpdate", kBool},
			field{9, "deviceClass", kString},
			field{10, "stateClass", kEnum},
			field{12, "disabledByDefault", kBool},
			field{13, "entityCategory", kEnum},
		),
		stateSchema: schema{{1, "key", kFixed32}, {2, "state", kFloat}, {3, "missingState", kBool}},
	},
	{
		typ: Switch, listID: 17, stateID: 26,
		listSchema: withHeader(
			field{5, "icon", kString},
			field{6, "assumedState", kBool},
			field{7, "disabledByDefault", kBool},
			field{8, "entityCategory", kEnum},
			field{9, "deviceClass", kString},
		),
		stateSchema: schema{{1, "key", kFixed32}, {2, "state", kBool}},
	},
	{
		typ: TextSensor, listID: 18, stateID: 27,
		listSchema: withHeader(
			field{5, "icon", kString},
			field{6, "disabledByDefault", kBool},
			field{7, "entityCategory", kEnum},
			field{8, "deviceClass", kString},
		),
		stateSchema: schema{{1, "key", kFixed32}, {2, "state", kString}, {3, "missingState", kBool}},
	},
	{
		typ: Climate, listID: 46, stateID: 47,
		listSchema: withHeader(
			field{5, "supportsCurrentTemperature", kBool},
			field{6, "supportsTwoPointTargetTemperature", kBool},
			field{7, "supportedModesList", kEnums},
			field{8, "visualMinTemperature", kFloat},
			field{9, "visualMaxTemperature", kFloat},
			field{10, "visualTargetTemperatureStep", kFloat},
			field{12, "supportsAction", kBool},
			field{13, "supportedFanModesList", kEnums},
			field{14, "supportedSwingModesList", kEnums},
			field{15, "supportedCustomFanModesList", kStrings},
			field{16, "supportedPresetsList", kEnums},
			field{17, "supportedCustomPresetsList", kStrings},
			field{18, "disabledByDefault", kBool},
			field{19, "icon", kString},
			field{20, "entityCategory", kEnum},
			field{21, "visualCurrentTemperatureStep", kFloat},
		),
		stateSchema: schema{
			{1, "key", kFixed32},
			{2, "mode", kEnum},
			{3, "currentTemperature", kFloat},
			{4, "targetTemperature", kFloat},
			{5, "targetTemperatureLow", kFloat},
			{6, "targetTemperatureHigh", kFloat},
			{8, "action", kEnum},
			{9, "fanMode", kEnum},
			{10, "swingMode", kEnum},
			{11, "customFanMode", kString},
			{12, "preset", kEnum},
			{13, "customPreset", kString},
		},
	},
	{
		typ: Number, listID: 49, stateID: 50,
		listSchema: withHeader(
			field{5, "icon", kString},
			field{6, "minValue", kFloat},
			field{7, "maxValue", kFloat},
			field{8, "step", kFloat},
			field{9, "disabledByDefault", kBool},
			field{10, "entityCategory", kEnum},
			field{11, "unitOfMeasurement", kString},
			field{12, "mode", kEnum},
			field{13, "deviceClass", kString},
		),
		stateSchema: schema{{1, "key", kFixed32}, {2, "state", kFloat}, {3, "missingState", kBool}},
	},
	{
		typ: Select, listID: 52, stateID: 53,
		listSchema: withHeader(
			field{5, "icon", kString},
			field{6, "optionsList", kStrings},
			field{7, "disabledByDefault", kBool},
			field{8, "entityCategory", kEnum},
		),
		stateSchema: schema{{1, "key", kFixed32}, {2, "state", kString}, {3, "missingState", kBool}},
	},
	{
		typ: Lock, listID: 58, stateID: 59,
		listSchema: withHeader(
			field{5, "icon", kString},
			field{6, "disabledByDefault", kBool},
			field{7, "entityCategory", kEnum},
			field{8, "assumedState", kBool},
			field{9, "supportsOpen", kBool},
			field{10, "requiresCode", kBool},
			field{11, "codeFormat", kString},
		),
		stateSchema: schema{{1, "key", kFixed32}, {2, "state", kEnum}},
	},
	{
		typ: Button, listID: 61,
		listSchema: withHeader(
			field{5, "icon", kString},
			field{6, "disabledByDefault", kBool},
			field{7, "entityCategory", kEnum},
			field{8, "deviceClass", kString},
		),
	},
	{
		typ: Text, listID: 97, stateID: 98,
		listSchema: withHeader(
			field{5, "icon", kString},
			field{6, "disabledByDefault", kBool},
			field{7, "entityCategory", kEnum},
			field{8, "minLength", kUint32},
			field{9, "maxLength", kUint32},
			field{10, "pattern", kString},
			field{11, "mode", kEnum},
		),
		stateSchema: schema{{1, "key", kFixed32}, {2, "state", kString}, {3, "missingState", kBool}},
	},
}

var (
	platformsByList  = make(map[uint32]*platform)
	platformsByState = make(map[uint32]*platform)
)

func init() {
	for i := range platforms {
		p := &platforms[i]
		platformsByList[p.listID] = p
		if p.stateID != 0 {
			platformsByState[p.stateID] = p
		}
	}
}

func decodeEntity(p *platform, payload []byte) (Entity, error) {
	cfg, err := p.listSchema.decode(payload)
	if err != nil {
		return Entity{}, err
	}
	ent := Entity{Type: p.typ, Config: cfg}
	ent.Key, _ = cfg["key"].(uint32)
	ent.ObjectID, _ = cfg["objectId"].(string)
	ent.Name, _ = cfg["name"].(string)
	return ent, nil
}

func decodeState(p *platform, payload []byte) (StateEvent, error) {
	st, err := p.stateSchema.decode(payload)
	if err != nil {
		return StateEvent{}, err
	}
	ev := StateEvent{Type: p.typ, State: st}
	ev.Key, _ = st["key"].(uint32)
	return ev, nil
}

var serviceArgSchema = schema{
	{1, "name", kString},
	{2, "type", kEnum},
}

// decodeService reads ListEntitiesServicesResponse: name=1, key=2, args=3.
func decodeService(b []byte) (Service, error) {
	var svc Service
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return svc, protowire.ParseError(n)
		}
		b = b[n:]
		switch {
		case num == 1 && typ == protowire.BytesType:
			v, m := protowire.ConsumeBytes(b)
			if m < 0 {
				return svc, protowire.ParseError(m)
			}
			svc.Name = string(v)
			n = m
		case num == 2 && typ == protowire.Fixed32Type:
			v, m := protowire.ConsumeFixed32(b)
			if m < 0 {
				return svc, protowire.ParseError(m)
			}
			svc.Key = v
			n = m
		case num == 3 && typ == protowire.BytesType:
			v, m := protowire.ConsumeBytes(b)
			if m < 0 {
				return svc, protowire.ParseError(m)
			}
			arg, err := serviceArgSchema.decode(v)
			if err != nil {
				return svc, fmt.Errorf("service %q arg: %w", svc.Name, err)
			}
			svc.Args = append(svc.Args, ServiceArg{
				Name: arg["name"].(string),
				Type: ServiceArgType(arg["type"].(int)),
			})
			n = m
		default:
			n = protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return svc, protowire.ParseError(n)
			}
		}
		b = b[n:]
	}
	return svc, nil
}
